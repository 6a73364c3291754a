package bot

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"vpnbot/internal/xui"
)

const clientsPerPage = 8

func mainMenuKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔑 Мои ключи", callback{action: actMyKeys}.encode()),
			tgbotapi.NewInlineKeyboardButtonData("📨 Запросить ключ", callback{action: actRequestKey}.encode()),
		),
	)
}

func keyActionsKeyboard(email string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📷 QR", callback{action: actKeyQR, email: email}.encode()),
			tgbotapi.NewInlineKeyboardButtonData("📊 Статистика", callback{action: actKeyStats, email: email}.encode()),
		),
	)
}

func requestActionsKeyboard(requestID string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔑 Выдать новый ключ", callback{action: actIssue, requestID: requestID}.encode()),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📎 Привязать существующий", callback{action: actAssign, requestID: requestID}.encode()),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🚫 Отклонить", callback{action: actReject, requestID: requestID}.encode()),
			tgbotapi.NewInlineKeyboardButtonData("⛔ Блок на 24ч", callback{action: actRejectBlock, requestID: requestID}.encode()),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✉️ Написать", callback{action: actMessage, requestID: requestID}.encode()),
			tgbotapi.NewInlineKeyboardButtonData("↩️ Скрыть", callback{action: actCancel, requestID: requestID}.encode()),
		),
	)
}

func inboundSelectKeyboard(requestID string, inbounds []xui.Inbound) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(inbounds)+2)
	for _, in := range inbounds {
		label := fmt.Sprintf("%s (порт %d)", in.Remark, in.Port)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, callback{action: actIssueInbound, requestID: requestID, id: in.ID}.encode()),
		))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("➕ Новый inbound из шаблона", callback{action: actNewInbound, requestID: requestID}.encode()),
	))
	rows = append(rows, backRow(requestID))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func templateSelectKeyboard(requestID string, inbounds []xui.Inbound) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(inbounds)+1)
	for _, in := range inbounds {
		label := fmt.Sprintf("📋 %s (порт %d)", in.Remark, in.Port)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, callback{action: actTemplate, requestID: requestID, id: in.ID}.encode()),
		))
	}
	rows = append(rows, backRow(requestID))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// clientSelectKeyboard renders one page of panel client emails. Buttons
// carry list indexes, not emails: callback payloads are limited to 64 bytes.
func clientSelectKeyboard(requestID string, emails []string, page int) tgbotapi.InlineKeyboardMarkup {
	start := page * clientsPerPage
	end := start + clientsPerPage
	if end > len(emails) {
		end = len(emails)
	}

	rows := make([][]tgbotapi.InlineKeyboardButton, 0, clientsPerPage+2)
	for i := start; i < end; i++ {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(emails[i], callback{action: actAssignClient, requestID: requestID, id: i}.encode()),
		))
	}

	var nav []tgbotapi.InlineKeyboardButton
	if page > 0 {
		nav = append(nav, tgbotapi.NewInlineKeyboardButtonData("⬅️", callback{action: actClientsPage, requestID: requestID, id: page - 1}.encode()))
	}
	if end < len(emails) {
		nav = append(nav, tgbotapi.NewInlineKeyboardButtonData("➡️", callback{action: actClientsPage, requestID: requestID, id: page + 1}.encode()))
	}
	if len(nav) > 0 {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(nav...))
	}
	rows = append(rows, backRow(requestID))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func resetConfirmKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Да, обнулить", callback{action: actResetYes}.encode()),
			tgbotapi.NewInlineKeyboardButtonData("↩️ Отмена", callback{action: actResetNo}.encode()),
		),
	)
}

func backRow(requestID string) []tgbotapi.InlineKeyboardButton {
	return tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("⬅️ К запросу", callback{action: actBack, requestID: requestID}.encode()),
	)
}
