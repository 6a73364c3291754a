package bot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"vpnbot/internal/service"
)

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) error {
	if cb.From == nil || cb.Message == nil {
		return nil
	}
	if _, err := b.api.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
		log.Printf("[error] answer callback: %v", err)
	}

	decoded, err := decodeCallback(cb.Data)
	if err != nil {
		return err
	}

	switch decoded.action {
	case actRequestKey:
		return b.handleRequestKey(ctx, cb)
	case actMyKeys:
		return b.handleMyKeys(ctx, cb)
	case actKeyQR:
		return b.handleKeyQR(ctx, cb, decoded.email)
	case actKeyStats:
		return b.handleKeyStats(ctx, cb, decoded.email)
	}

	// Everything below resolves requests or touches the panel.
	if !b.isAdmin(cb.From.ID) {
		return nil
	}

	switch decoded.action {
	case actIssue:
		return b.showInboundSelect(ctx, cb, decoded.requestID)
	case actNewInbound:
		return b.showTemplateSelect(ctx, cb, decoded.requestID)
	case actIssueInbound:
		return b.approveNewKey(ctx, cb, decoded.requestID, decoded.id)
	case actTemplate:
		return b.approveNewInbound(ctx, cb, decoded.requestID, decoded.id)
	case actAssign:
		return b.showClientSelect(ctx, cb, decoded.requestID, 0)
	case actClientsPage:
		return b.showClientSelect(ctx, cb, decoded.requestID, decoded.id)
	case actAssignClient:
		return b.assignClient(ctx, cb, decoded.requestID, decoded.id)
	case actReject:
		return b.rejectRequest(ctx, cb, decoded.requestID, false)
	case actRejectBlock:
		return b.rejectRequest(ctx, cb, decoded.requestID, true)
	case actMessage:
		b.setInput(cb.From.ID, pendingInput{requestID: decoded.requestID})
		return b.sendText(ctx, cb.From.ID, "✍️ Введите сообщение для пользователя:")
	case actBack:
		return b.editMarkup(cb, requestActionsKeyboard(decoded.requestID))
	case actCancel:
		b.dropClients(decoded.requestID)
		return b.removeMarkup(cb)
	case actResetYes:
		if err := b.lifecycle.ResetTraffic(ctx); err != nil {
			return b.editText(cb, fmt.Sprintf("❌ Не удалось обнулить счётчики: %s", escape(err.Error())))
		}
		return b.editText(cb, "✅ Счётчики трафика обнулены.")
	case actResetNo:
		return b.editText(cb, "↩️ Обнуление отменено.")
	}
	return nil
}

func (b *Bot) handleRequests(ctx context.Context, msg *tgbotapi.Message) error {
	requests, err := b.lifecycle.AllRequests(ctx)
	if err != nil {
		return err
	}
	if len(requests) == 0 {
		return b.sendText(ctx, msg.Chat.ID, "📭 Открытых запросов нет.")
	}

	for i := range requests {
		req := &requests[i]
		keys, err := b.lifecycle.UserKeys(ctx, req.TgID)
		if err != nil {
			return err
		}
		if err := b.NotifyAdminRequest(ctx, req, keys); err != nil {
			log.Printf("[error] render request %s: %v", req.RequestID, err)
		}
	}
	return nil
}

func (b *Bot) handleKeys(ctx context.Context, msg *tgbotapi.Message) error {
	rows, err := b.lifecycle.AllKeysWithUsers(ctx)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return b.sendText(ctx, msg.Chat.ID, "📭 Привязанных ключей нет.")
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("🔑 <b>Привязки ключей</b> (%d)\n\n", len(rows)))
	for _, row := range rows {
		name := row.FirstName
		if name == "" {
			name = row.Username
		}
		if name == "" {
			name = "User"
		}
		sb.WriteString(fmt.Sprintf("• <code>%s</code> — %s (🆔 <code>%d</code>)\n",
			escape(row.ClientEmail), escape(name), row.TgID))
	}
	return b.sendText(ctx, msg.Chat.ID, sb.String())
}

func (b *Bot) handleBans(ctx context.Context, msg *tgbotapi.Message) error {
	users, err := b.lifecycle.BlockedUsers(ctx)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		return b.sendText(ctx, msg.Chat.ID, "📭 Заблокированных пользователей нет.")
	}

	var sb strings.Builder
	sb.WriteString("⛔ <b>Заблокированные</b>\n\n")
	for _, user := range users {
		until := time.Unix(user.BlockedUntil, 0).Format("2006-01-02 15:04")
		sb.WriteString(fmt.Sprintf("• %s (🆔 <code>%d</code>) до %s — /unban_%d\n",
			escape(user.DisplayName()), user.TgID, until, user.TgID))
	}
	return b.sendText(ctx, msg.Chat.ID, sb.String())
}

func (b *Bot) handleUnban(ctx context.Context, msg *tgbotapi.Message, arg string) error {
	tgID, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return b.sendText(ctx, msg.Chat.ID, "Использование: /unban &lt;id&gt;")
	}
	if err := b.lifecycle.UnblockUser(ctx, tgID); err != nil {
		return err
	}
	return b.sendText(ctx, msg.Chat.ID, fmt.Sprintf("✅ Пользователь <code>%d</code> разблокирован.", tgID))
}

func (b *Bot) handleUnbind(ctx context.Context, msg *tgbotapi.Message) error {
	args := strings.Fields(msg.CommandArguments())
	if len(args) != 2 {
		return b.sendText(ctx, msg.Chat.ID, "Использование: /unbind &lt;id&gt; &lt;email&gt;")
	}
	tgID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return b.sendText(ctx, msg.Chat.ID, "Использование: /unbind &lt;id&gt; &lt;email&gt;")
	}
	if err := b.lifecycle.Unbind(ctx, tgID, args[1]); err != nil {
		return err
	}
	return b.sendText(ctx, msg.Chat.ID, fmt.Sprintf("✅ Привязка <code>%s</code> снята с пользователя <code>%d</code>.", escape(args[1]), tgID))
}

func (b *Bot) showInboundSelect(ctx context.Context, cb *tgbotapi.CallbackQuery, requestID string) error {
	inbounds, err := b.lifecycle.Inbounds(ctx)
	if err != nil {
		return b.sendText(ctx, cb.From.ID, fmt.Sprintf("❌ Панель недоступна: %s", escape(err.Error())))
	}
	return b.editMarkup(cb, inboundSelectKeyboard(requestID, inbounds))
}

func (b *Bot) showTemplateSelect(ctx context.Context, cb *tgbotapi.CallbackQuery, requestID string) error {
	inbounds, err := b.lifecycle.Inbounds(ctx)
	if err != nil {
		return b.sendText(ctx, cb.From.ID, fmt.Sprintf("❌ Панель недоступна: %s", escape(err.Error())))
	}
	return b.editMarkup(cb, templateSelectKeyboard(requestID, inbounds))
}

func (b *Bot) approveNewKey(ctx context.Context, cb *tgbotapi.CallbackQuery, requestID string, inboundID int) error {
	issued, err := b.lifecycle.ApproveNewKey(ctx, requestID, inboundID)
	if err != nil {
		return b.reportResolveError(ctx, cb, err)
	}
	return b.confirmIssued(cb, issued)
}

func (b *Bot) approveNewInbound(ctx context.Context, cb *tgbotapi.CallbackQuery, requestID string, templateID int) error {
	issued, err := b.lifecycle.ApproveNewInbound(ctx, requestID, templateID)
	if err != nil {
		return b.reportResolveError(ctx, cb, err)
	}
	return b.confirmIssued(cb, issued)
}

// showClientSelect lists every client email on the panel. The listing is
// cached per request so index-based button payloads stay valid across
// pagination.
func (b *Bot) showClientSelect(ctx context.Context, cb *tgbotapi.CallbackQuery, requestID string, page int) error {
	emails, ok := b.cachedClients(requestID)
	if !ok {
		inbounds, err := b.lifecycle.Inbounds(ctx)
		if err != nil {
			return b.sendText(ctx, cb.From.ID, fmt.Sprintf("❌ Панель недоступна: %s", escape(err.Error())))
		}
		for _, in := range inbounds {
			for _, client := range in.Clients {
				emails = append(emails, client.Email)
			}
		}
		sort.Strings(emails)
		b.cacheClients(requestID, emails)
	}
	if len(emails) == 0 {
		return b.sendText(ctx, cb.From.ID, "📭 На панели нет клиентов.")
	}
	return b.editMarkup(cb, clientSelectKeyboard(requestID, emails, page))
}

func (b *Bot) assignClient(ctx context.Context, cb *tgbotapi.CallbackQuery, requestID string, index int) error {
	emails, ok := b.cachedClients(requestID)
	if !ok || index < 0 || index >= len(emails) {
		return b.sendText(ctx, cb.From.ID, "Список клиентов устарел, откройте его заново.")
	}

	issued, err := b.lifecycle.AssignExistingKey(ctx, requestID, emails[index])
	if err != nil {
		return b.reportResolveError(ctx, cb, err)
	}
	b.dropClients(requestID)
	return b.confirmIssued(cb, issued)
}

func (b *Bot) rejectRequest(ctx context.Context, cb *tgbotapi.CallbackQuery, requestID string, block bool) error {
	req, err := b.lifecycle.Reject(ctx, requestID, block)
	if err != nil {
		return b.reportResolveError(ctx, cb, err)
	}
	if block {
		return b.editText(cb, fmt.Sprintf("⛔ Запрос от %s отклонён, пользователь заблокирован на 24 часа.",
			escape(requestDisplayName(req))))
	}
	return b.editText(cb, fmt.Sprintf("🚫 Запрос от %s отклонён.", escape(requestDisplayName(req))))
}

func (b *Bot) confirmIssued(cb *tgbotapi.CallbackQuery, issued *service.IssuedKey) error {
	return b.editText(cb, fmt.Sprintf(
		"✅ Ключ <code>%s</code> выдан пользователю %s (🆔 <code>%d</code>).",
		escape(issued.Email), escape(requestDisplayName(issued.Request)), issued.Request.TgID))
}

func (b *Bot) reportResolveError(ctx context.Context, cb *tgbotapi.CallbackQuery, err error) error {
	var provErr *service.ProvisioningError
	switch {
	case errors.Is(err, service.ErrRequestNotFound):
		return b.editText(cb, "ℹ️ Запрос уже обработан.")
	case errors.Is(err, service.ErrKeyNotFound):
		return b.sendText(ctx, cb.From.ID, "❌ Клиент не найден на панели, обновите список.")
	case errors.As(err, &provErr):
		return b.sendText(ctx, cb.From.ID,
			fmt.Sprintf("❌ Ошибка панели (%s): %s\nЗапрос остался открытым.", escape(provErr.Op), escape(provErr.Err.Error())))
	default:
		return err
	}
}

// --- message edit helpers ---

func (b *Bot) editText(cb *tgbotapi.CallbackQuery, text string) error {
	edit := tgbotapi.NewEditMessageText(cb.Message.Chat.ID, cb.Message.MessageID, text)
	edit.ParseMode = tgbotapi.ModeHTML
	_, err := b.api.Request(edit)
	return err
}

func (b *Bot) editMarkup(cb *tgbotapi.CallbackQuery, markup tgbotapi.InlineKeyboardMarkup) error {
	edit := tgbotapi.NewEditMessageReplyMarkup(cb.Message.Chat.ID, cb.Message.MessageID, markup)
	_, err := b.api.Request(edit)
	return err
}

func (b *Bot) removeMarkup(cb *tgbotapi.CallbackQuery) error {
	edit := tgbotapi.EditMessageReplyMarkupConfig{
		BaseEdit: tgbotapi.BaseEdit{
			ChatID:    cb.Message.Chat.ID,
			MessageID: cb.Message.MessageID,
		},
	}
	_, err := b.api.Request(edit)
	return err
}
