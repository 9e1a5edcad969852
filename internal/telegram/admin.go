package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/TGImageBot/internal/models"
	"github.com/digkill/TGImageBot/internal/service"
)

const adminHelp = `🔒 Admin commands:
/stats - usage statistics
/users - latest accounts
/coupons - list coupons
/newcoupon CODE CREDITS USES [DAYS]
/block USER_ID
/unblock USER_ID
/addcredits USER_ID DELTA
/usage USER_ID
/reset - reset all balances now`

func (b *Bot) caller(from *tgbotapi.User) service.Caller {
	if from == nil {
		return service.Caller{}
	}
	for _, id := range b.opts.AdminIDs {
		if id == from.ID {
			return service.Caller{UserID: from.ID, Privileged: true}
		}
	}
	return service.Caller{UserID: from.ID}
}

// handleAdminCommand reports whether the command was an admin command.
func (b *Bot) handleAdminCommand(ctx context.Context, msg *tgbotapi.Message) bool {
	chatID := msg.Chat.ID
	caller := b.caller(msg.From)
	args := strings.Fields(msg.CommandArguments())

	switch msg.Command() {
	case "admin":
		if !caller.Privileged {
			b.sendText(chatID, "❌ "+service.UserMessage(service.ErrForbidden))
			return true
		}
		keyboard := tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("📊 User Stats", adminPrefix+"stats"),
				tgbotapi.NewInlineKeyboardButtonData("🎫 Coupons", adminPrefix+"coupons"),
			),
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("👥 Users", adminPrefix+"users"),
				tgbotapi.NewInlineKeyboardButtonData("🔄 Reset Credits", adminPrefix+"reset"),
			),
		)
		b.sendKeyboard(chatID, "🔒 Admin Panel:\n\n"+adminHelp, keyboard)
	case "stats":
		b.sendText(chatID, b.statsText(ctx, caller))
	case "users":
		b.sendText(chatID, b.usersText(ctx, caller))
	case "coupons":
		b.sendText(chatID, b.couponsText(ctx, caller))
	case "reset":
		b.sendText(chatID, b.resetText(ctx, caller))
	case "newcoupon":
		if len(args) < 3 {
			b.sendText(chatID, "Usage: /newcoupon CODE CREDITS USES [DAYS]")
			return true
		}
		credits, err1 := strconv.Atoi(args[1])
		uses, err2 := strconv.Atoi(args[2])
		if err1 != nil || err2 != nil {
			b.sendText(chatID, "CREDITS and USES must be numbers.")
			return true
		}
		input := service.CreateCouponInput{Code: args[0], CreditValue: credits, MaxUses: uses}
		if len(args) > 3 {
			days, err := strconv.Atoi(args[3])
			if err != nil || days <= 0 {
				b.sendText(chatID, "DAYS must be a positive number.")
				return true
			}
			until := time.Now().UTC().Add(time.Duration(days) * 24 * time.Hour)
			input.ValidUntil = &until
		}
		coupon, err := b.admin.CreateCoupon(ctx, caller, input)
		if err != nil {
			b.fail(chatID, "create coupon", err)
			return true
		}
		b.sendText(chatID, "✅ Coupon created: "+couponLine(coupon))
	case "block", "unblock":
		userID, ok := b.parseUserID(chatID, args)
		if !ok {
			return true
		}
		blocked := msg.Command() == "block"
		if err := b.admin.SetBlocked(ctx, caller, userID, blocked); err != nil {
			b.fail(chatID, "set blocked", err)
			return true
		}
		if blocked {
			b.sendText(chatID, fmt.Sprintf("🚫 User %d blocked.", userID))
		} else {
			b.sendText(chatID, fmt.Sprintf("✅ User %d unblocked.", userID))
		}
	case "addcredits":
		userID, ok := b.parseUserID(chatID, args)
		if !ok {
			return true
		}
		if len(args) < 2 {
			b.sendText(chatID, "Usage: /addcredits USER_ID DELTA")
			return true
		}
		delta, err := strconv.Atoi(args[1])
		if err != nil {
			b.sendText(chatID, "DELTA must be a number.")
			return true
		}
		acct, err := b.admin.AdjustBalance(ctx, caller, userID, delta)
		if err != nil {
			b.fail(chatID, "adjust balance", err)
			return true
		}
		b.sendText(chatID, fmt.Sprintf("✅ User %d balance: %d", userID, acct.Balance))
	case "usage":
		userID, ok := b.parseUserID(chatID, args)
		if !ok {
			return true
		}
		records, err := b.admin.UsageHistory(ctx, caller, userID, 10)
		if err != nil {
			b.fail(chatID, "usage history", err)
			return true
		}
		if len(records) == 0 {
			b.sendText(chatID, fmt.Sprintf("User %d has no generations yet.", userID))
			return true
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "📈 Last generations of %d:\n", userID)
		for _, r := range records {
			fmt.Fprintf(&sb, "%s %dx%d %s\n", r.CreatedAt.Format("2006-01-02 15:04"), r.Width, r.Height, truncate(r.Prompt, 60))
		}
		b.sendText(chatID, sb.String())
	default:
		return false
	}
	return true
}

func (b *Bot) handleAdminCallback(ctx context.Context, cb *tgbotapi.CallbackQuery, action string) {
	caller := b.caller(cb.From)
	if !caller.Privileged {
		b.ack(cb.ID, service.UserMessage(service.ErrForbidden))
		return
	}
	b.ack(cb.ID, "")
	chatID := cb.Message.Chat.ID
	switch action {
	case "stats":
		b.sendText(chatID, b.statsText(ctx, caller))
	case "coupons":
		b.sendText(chatID, b.couponsText(ctx, caller))
	case "users":
		b.sendText(chatID, b.usersText(ctx, caller))
	case "reset":
		b.sendText(chatID, b.resetText(ctx, caller))
	}
}

func (b *Bot) parseUserID(chatID int64, args []string) (int64, bool) {
	if len(args) == 0 {
		b.sendText(chatID, "USER_ID is required.")
		return 0, false
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		b.sendText(chatID, "USER_ID must be a positive number.")
		return 0, false
	}
	return id, true
}

func (b *Bot) statsText(ctx context.Context, caller service.Caller) string {
	stats, err := b.admin.Stats(ctx, caller)
	if err != nil {
		return b.adminError("stats", err)
	}
	return fmt.Sprintf("📊 Stats\nAccounts: %d (blocked %d)\nCredits outstanding: %d\nGenerations: %d (24h: %d)\nCoupons: %d\nPending reservations: %d",
		stats.Accounts, stats.Blocked, stats.TotalCredits, stats.Generations, stats.Generations24h, stats.Coupons, stats.Pending)
}

func (b *Bot) usersText(ctx context.Context, caller service.Caller) string {
	accounts, err := b.admin.ListAccounts(ctx, caller, 20, 0)
	if err != nil {
		return b.adminError("list accounts", err)
	}
	if len(accounts) == 0 {
		return "No users yet."
	}
	var sb strings.Builder
	sb.WriteString("👥 Users:\n")
	for _, a := range accounts {
		mark := ""
		if a.Blocked {
			mark = " 🚫"
		}
		fmt.Fprintf(&sb, "%d %s: %d%s\n", a.UserID, a.DisplayName, a.Balance, mark)
	}
	return sb.String()
}

func (b *Bot) couponsText(ctx context.Context, caller service.Caller) string {
	coupons, err := b.admin.ListCoupons(ctx, caller)
	if err != nil {
		return b.adminError("list coupons", err)
	}
	if len(coupons) == 0 {
		return "No coupons yet."
	}
	var sb strings.Builder
	sb.WriteString("🎫 Coupons:\n")
	for i := range coupons {
		sb.WriteString(couponLine(&coupons[i]))
		sb.WriteByte('\n')
	}
	return sb.String()
}

func (b *Bot) resetText(ctx context.Context, caller service.Caller) string {
	report, err := b.admin.TriggerReset(ctx, caller)
	if err != nil {
		return b.adminError("reset", err)
	}
	return fmt.Sprintf("🔄 Reset %d accounts to %d credits (%d failed).", report.Updated, report.Target, report.Failed)
}

func (b *Bot) adminError(op string, err error) string {
	if !isExpected(err) {
		b.log.Error("admin "+op, "err", err)
	}
	return "❌ " + service.UserMessage(err)
}

func couponLine(c *models.Coupon) string {
	line := fmt.Sprintf("%s +%d, used %d/%d", c.Code, c.CreditValue, c.UsedCount, c.MaxUses)
	if c.ValidUntil != nil {
		line += ", until " + c.ValidUntil.Format("2006-01-02")
	}
	return line
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
