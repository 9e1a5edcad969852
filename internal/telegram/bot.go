package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/TGImageBot/internal/models"
	"github.com/digkill/TGImageBot/internal/service"
)

const (
	sizePrefix  = "size:"
	prefPrefix  = "pref:"
	adminPrefix = "admin:"
)

// API is the part of *tgbotapi.BotAPI the bot uses.
type API interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetChatMember(config tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error)
}

type Options struct {
	// RequiredChannel is a channel username or numeric chat id users must
	// join before generating. Empty disables the check.
	RequiredChannel string
	AdminIDs        []int64
	DailyCredits    int
}

type Bot struct {
	api        API
	log        *slog.Logger
	accounts   *service.AccountService
	coupons    *service.CouponService
	generation *service.GenerationService
	admin      *service.AdminService
	sessions   SessionStore
	opts       Options

	channelID       int64
	channelUsername string
	channelLink     string

	wg sync.WaitGroup
}

func NewBot(api API, log *slog.Logger, accounts *service.AccountService, coupons *service.CouponService, generation *service.GenerationService, admin *service.AdminService, sessions SessionStore, opts Options) *Bot {
	b := &Bot{
		api:        api,
		log:        log,
		accounts:   accounts,
		coupons:    coupons,
		generation: generation,
		admin:      admin,
		sessions:   sessions,
		opts:       opts,
	}
	channel := strings.TrimPrefix(strings.TrimSpace(opts.RequiredChannel), "@")
	if id, err := strconv.ParseInt(channel, 10, 64); err == nil && id != 0 {
		b.channelID = id
	} else if channel != "" {
		b.channelUsername = channel
		b.channelLink = "https://t.me/" + channel
	}
	return b
}

// Run consumes updates until ctx is cancelled, then waits for in-flight
// handlers so their reservations are finalised.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.log.Info("telegram bot started")

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				b.wg.Wait()
				return nil
			}
			b.wg.Go(func() { b.handleUpdate(ctx, update) })
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.wg.Wait()
			return ctx.Err()
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}

	session, err := b.sessions.Get(ctx, msg.Chat.ID)
	if err != nil {
		b.log.Error("load session", "chat_id", msg.Chat.ID, "err", err)
		b.sendText(msg.Chat.ID, service.UserMessage(err))
		return
	}
	switch session.State {
	case StateAwaitingPrompt:
		b.acceptPrompt(ctx, msg.Chat.ID, msg.From, msg.Text)
	case StateAwaitingCoupon:
		b.redeem(ctx, msg.Chat.ID, msg.From, msg.Text)
	default:
		b.sendText(msg.Chat.ID, "Type /create to start making an image.")
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	args := strings.TrimSpace(msg.CommandArguments())

	switch msg.Command() {
	case "start":
		acct, err := b.ensureAccount(ctx, msg.From)
		if err != nil {
			b.fail(chatID, "ensure account", err)
			return
		}
		b.resetSession(ctx, chatID)
		b.sendText(chatID, welcomeText(acct, b.opts.DailyCredits))
	case "create", "generate":
		if _, err := b.ensureAccount(ctx, msg.From); err != nil {
			b.fail(chatID, "ensure account", err)
			return
		}
		if args != "" {
			b.acceptPrompt(ctx, chatID, msg.From, args)
			return
		}
		b.setSession(ctx, chatID, &Session{State: StateAwaitingPrompt})
		b.sendText(chatID, "📝 Please send me your image description\nExample: 'A cyberpunk cityscape at night'")
	case "coupon", "claim":
		if _, err := b.ensureAccount(ctx, msg.From); err != nil {
			b.fail(chatID, "ensure account", err)
			return
		}
		if args != "" {
			b.redeem(ctx, chatID, msg.From, args)
			return
		}
		b.setSession(ctx, chatID, &Session{State: StateAwaitingCoupon})
		b.sendText(chatID, "🔑 Enter coupon code:")
	case "credits", "balance":
		acct, err := b.ensureAccount(ctx, msg.From)
		if err != nil {
			b.fail(chatID, "ensure account", err)
			return
		}
		b.sendText(chatID, fmt.Sprintf("💳 Credits: %d\n🖼️ Default size: %s", acct.Balance, acct.Dimensions()))
	case "size":
		if _, err := b.ensureAccount(ctx, msg.From); err != nil {
			b.fail(chatID, "ensure account", err)
			return
		}
		b.sendKeyboard(chatID, "📐 Choose your default image size:", sizeKeyboard(prefPrefix))
	case "cancel":
		b.resetSession(ctx, chatID)
		b.sendText(chatID, "Cancelled.")
	case "help":
		b.sendText(chatID, helpText)
	default:
		if b.handleAdminCommand(ctx, msg) {
			return
		}
		b.sendText(chatID, "Unknown command.\n\n"+helpText)
	}
}

// acceptPrompt stores the prompt and asks for a size. The balance check here
// is advisory; the reservation decides.
func (b *Bot) acceptPrompt(ctx context.Context, chatID int64, from *tgbotapi.User, text string) {
	prompt := strings.TrimSpace(text)
	if prompt == "" {
		b.sendText(chatID, service.UserMessage(service.ErrEmptyPrompt))
		return
	}
	acct, err := b.ensureAccount(ctx, from)
	if err != nil {
		b.fail(chatID, "ensure account", err)
		return
	}
	if acct.Blocked {
		b.sendText(chatID, "❌ "+service.UserMessage(service.ErrBlocked))
		return
	}
	if acct.Balance < 1 {
		b.resetSession(ctx, chatID)
		b.sendText(chatID, "❌ "+service.UserMessage(service.ErrInsufficientCredits))
		return
	}
	b.setSession(ctx, chatID, &Session{State: StateAwaitingSize, Prompt: prompt})
	b.sendKeyboard(chatID, "🖼️ Choose image size:", sizeKeyboard(sizePrefix))
}

func (b *Bot) redeem(ctx context.Context, chatID int64, from *tgbotapi.User, code string) {
	b.resetSession(ctx, chatID)
	res, err := b.coupons.Redeem(ctx, code, from.ID)
	if err != nil {
		if !isExpected(err) {
			b.log.Error("redeem coupon", "user_id", from.ID, "err", err)
		}
		b.sendText(chatID, "❌ "+service.UserMessage(err))
		return
	}
	b.sendText(chatID, fmt.Sprintf("🎉 Coupon redeemed! +%d credits\n💳 Credits: %d", res.Credits, res.Balance))
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil || cb.From == nil {
		b.ack(cb.ID, "")
		return
	}
	data := cb.Data
	switch {
	case strings.HasPrefix(data, sizePrefix):
		dims, err := models.ParseDimensions(strings.TrimPrefix(data, sizePrefix))
		if err != nil {
			b.ack(cb.ID, "Unknown size")
			return
		}
		b.generate(ctx, cb, dims)
	case strings.HasPrefix(data, prefPrefix):
		dims, err := models.ParseDimensions(strings.TrimPrefix(data, prefPrefix))
		if err == nil {
			err = b.accounts.SetPreferredDimensions(ctx, cb.From.ID, dims)
		}
		if err != nil {
			b.ack(cb.ID, service.UserMessage(err))
			return
		}
		b.ack(cb.ID, "Saved")
		b.editText(cb.Message.Chat.ID, cb.Message.MessageID, fmt.Sprintf("✅ Default size set to %s", dims))
	case strings.HasPrefix(data, adminPrefix):
		b.handleAdminCallback(ctx, cb, strings.TrimPrefix(data, adminPrefix))
	default:
		b.ack(cb.ID, "Unknown choice")
	}
}

func (b *Bot) generate(ctx context.Context, cb *tgbotapi.CallbackQuery, dims models.Dimensions) {
	chatID := cb.Message.Chat.ID
	session, err := b.sessions.Get(ctx, chatID)
	if err != nil {
		b.ack(cb.ID, "")
		b.fail(chatID, "load session", err)
		return
	}
	if session.State != StateAwaitingSize || session.Prompt == "" {
		b.ack(cb.ID, "Send /create first")
		return
	}
	b.ack(cb.ID, "")

	if !b.checkChannel(ctx, chatID, cb.From.ID) {
		return
	}
	// a second tap on the keyboard must not start another generation
	b.resetSession(ctx, chatID)
	b.editText(chatID, cb.Message.MessageID, "🎨 Generating your image...")

	result, err := b.generation.RequestGeneration(ctx, service.GenerationRequest{
		UserID: cb.From.ID,
		Prompt: session.Prompt,
		Width:  dims.Width,
		Height: dims.Height,
	})
	if err != nil {
		if !isExpected(err) {
			b.log.Error("generate", "user_id", cb.From.ID, "err", err)
		}
		b.editText(chatID, cb.Message.MessageID, "❌ "+service.UserMessage(err))
		return
	}
	b.deliverImage(chatID, result)
}

func (b *Bot) deliverImage(chatID int64, result *service.GenerationResult) {
	var photo tgbotapi.PhotoConfig
	if result.ImageURL != "" {
		photo = tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(result.ImageURL))
	} else {
		photo = tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{
			Name:  "generation" + extensionFor(result.Image.Mime),
			Bytes: result.Image.Bytes,
		})
	}
	photo.Caption = fmt.Sprintf("🖼️ %s\nSize: %dx%d\nCredits left: %d", result.Prompt, result.Width, result.Height, result.Balance)
	if _, err := b.api.Send(photo); err != nil {
		b.log.Error("send image", "chat_id", chatID, "token", result.Token, "err", err)
	}
}

func (b *Bot) ensureAccount(ctx context.Context, from *tgbotapi.User) (*models.Account, error) {
	if from == nil {
		return nil, service.ErrAccountNotFound
	}
	acct, _, err := b.accounts.GetOrCreate(ctx, from.ID, displayName(from))
	return acct, err
}

// checkChannel reports whether the user may generate; it answers the user
// itself when not.
func (b *Bot) checkChannel(ctx context.Context, chatID, userID int64) bool {
	if b.channelID == 0 && b.channelUsername == "" {
		return true
	}
	ok, err := b.isUserSubscribed(userID)
	if err != nil {
		b.log.Error("check channel membership", "user_id", userID, "err", err)
		b.sendText(chatID, "Could not verify channel membership, please try again later.")
		return false
	}
	if !ok {
		b.resetSession(ctx, chatID)
		if b.channelLink != "" {
			b.sendText(chatID, fmt.Sprintf("📢 Please join %s to generate images, then try again.", b.channelLink))
		} else {
			b.sendText(chatID, "📢 Please join our channel to generate images, then try again.")
		}
	}
	return ok
}

func (b *Bot) isUserSubscribed(userID int64) (bool, error) {
	cfg := tgbotapi.ChatConfigWithUser{UserID: userID}
	if b.channelID != 0 {
		cfg.ChatID = b.channelID
	} else {
		cfg.SuperGroupUsername = "@" + b.channelUsername
	}
	member, err := b.api.GetChatMember(tgbotapi.GetChatMemberConfig{ChatConfigWithUser: cfg})
	if err != nil {
		return false, err
	}
	switch strings.ToLower(member.Status) {
	case "creator", "administrator", "member":
		return true, nil
	case "restricted":
		return member.IsMember, nil
	default:
		return false, nil
	}
}

func (b *Bot) setSession(ctx context.Context, chatID int64, s *Session) {
	if err := b.sessions.Set(ctx, chatID, s); err != nil {
		b.log.Error("save session", "chat_id", chatID, "err", err)
	}
}

func (b *Bot) resetSession(ctx context.Context, chatID int64) {
	if err := b.sessions.Reset(ctx, chatID); err != nil {
		b.log.Error("reset session", "chat_id", chatID, "err", err)
	}
}

func (b *Bot) fail(chatID int64, op string, err error) {
	if !isExpected(err) {
		b.log.Error(op, "chat_id", chatID, "err", err)
	}
	b.sendText(chatID, "❌ "+service.UserMessage(err))
}

func (b *Bot) sendText(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send text", "chat_id", chatID, "err", err)
	}
}

func (b *Bot) sendKeyboard(chatID int64, text string, keyboard tgbotapi.InlineKeyboardMarkup) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = keyboard
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send keyboard", "chat_id", chatID, "err", err)
	}
}

func (b *Bot) editText(chatID int64, messageID int, text string) {
	if _, err := b.api.Send(tgbotapi.NewEditMessageText(chatID, messageID, text)); err != nil {
		b.log.Warn("edit message", "chat_id", chatID, "err", err)
	}
}

func (b *Bot) ack(callbackID, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		b.log.Warn("callback ack", "err", err)
	}
}

func sizeKeyboard(prefix string) tgbotapi.InlineKeyboardMarkup {
	sizes := models.SupportedDimensions
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, (len(sizes)+2)/3)
	for i := 0; i < len(sizes); i += 3 {
		row := make([]tgbotapi.InlineKeyboardButton, 0, 3)
		for _, d := range sizes[i:min(i+3, len(sizes))] {
			row = append(row, tgbotapi.NewInlineKeyboardButtonData(d.String(), prefix+d.String()))
		}
		rows = append(rows, row)
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// isExpected reports ledger outcomes that are answered to the user and not
// worth an error log line.
func isExpected(err error) bool {
	for _, target := range []error{
		service.ErrAccountNotFound, service.ErrBlocked, service.ErrInsufficientCredits,
		service.ErrCouponNotFound, service.ErrCouponExpired, service.ErrCouponExhausted,
		service.ErrCouponAlreadyRedeemed, service.ErrDuplicateCouponCode, service.ErrInvalidCouponParameters,
		service.ErrEmptyPrompt, service.ErrInvalidDimensions, service.ErrForbidden,
		service.ErrGenerationFailed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func displayName(u *tgbotapi.User) string {
	if u.UserName != "" {
		return u.UserName
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

func extensionFor(mime string) string {
	switch mime {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}

const helpText = `Commands:
/create [prompt] - generate an image (1 credit)
/coupon [code] - redeem a coupon
/credits - show your balance
/size - choose your default image size
/cancel - cancel the current action`

func welcomeText(acct *models.Account, dailyCredits int) string {
	name := acct.DisplayName
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf(`🌟 Welcome, %s! 🌟

🖼️ Create stunning images with AI-powered generation
🎁 %d free credits every day
💡 Each generation costs 1 credit
💳 Your balance: %d

📢 Type /create to start making magic!

%s`, name, dailyCredits, acct.Balance, helpText)
}
