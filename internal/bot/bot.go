package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	qrcode "github.com/skip2/go-qrcode"
	"golang.org/x/time/rate"

	"vpnbot/internal/config"
	"vpnbot/internal/model"
	"vpnbot/internal/repository"
	"vpnbot/internal/service"
)

const lastVersionKey = "last_notified_version"

// pendingInput is an admin dialogue awaiting the next text message.
type pendingInput struct {
	requestID string
}

// Bot wires Telegram updates to the lifecycle and reporting services. It
// also implements service.Notifier and service.ReportSink, so outbound
// lifecycle messages flow through the same rate-limited send path.
type Bot struct {
	api       *tgbotapi.BotAPI
	cfg       *config.Config
	lifecycle *service.Lifecycle
	reporter  *service.Reporter
	settings  *repository.SettingRepository
	traffic   *repository.TrafficRepository
	limiter   *rate.Limiter

	mu         sync.Mutex
	replyIndex map[int]int64       // outbound admin message id -> user tg id
	clientPick map[string][]string // request id -> cached panel emails for assign
	inputs     map[int64]pendingInput
}

func New(token string, cfg *config.Config, settings *repository.SettingRepository, traffic *repository.TrafficRepository) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	log.Printf("[info] bot authorized on account %s", api.Self.UserName)

	return &Bot{
		api:        api,
		cfg:        cfg,
		settings:   settings,
		traffic:    traffic,
		limiter:    rate.NewLimiter(rate.Every(50*time.Millisecond), 5),
		replyIndex: make(map[int]int64),
		clientPick: make(map[string][]string),
		inputs:     make(map[int64]pendingInput),
	}, nil
}

// Attach breaks the construction cycle: the lifecycle and reporter need the
// bot as their notifier/sink, so they are built after it.
func (b *Bot) Attach(lifecycle *service.Lifecycle, reporter *service.Reporter) {
	b.lifecycle = lifecycle
	b.reporter = reporter
}

// Start begins polling updates until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) error {
	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 60
	updates := b.api.GetUpdatesChan(updateConfig)

	log.Println("[info] start polling updates")

	go func() {
		<-ctx.Done()
		b.api.StopReceivingUpdates()
	}()

	for update := range updates {
		switch {
		case update.CallbackQuery != nil:
			if err := b.handleCallback(ctx, update.CallbackQuery); err != nil {
				log.Printf("handle callback: %v", err)
			}
		case update.Message != nil:
			if update.Message.Chat == nil || !update.Message.Chat.IsPrivate() {
				continue
			}
			if err := b.handleMessage(ctx, update.Message); err != nil {
				log.Printf("handle message: %v", err)
			}
		}
	}

	return nil
}

// AnnounceVersion tells the admin about a new build, once per version.
func (b *Bot) AnnounceVersion(ctx context.Context, version string) error {
	last, err := b.settings.Get(ctx, lastVersionKey, "")
	if err != nil {
		return err
	}
	if last == version {
		return nil
	}
	if err := b.sendText(ctx, b.cfg.AdminID, fmt.Sprintf("🤖 Бот обновлён до версии <b>%s</b>", escape(version))); err != nil {
		return err
	}
	return b.settings.Set(ctx, lastVersionKey, version)
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) error {
	if msg.From == nil {
		return nil
	}

	if msg.IsCommand() {
		log.Printf("[info] command from %d: /%s %s", msg.From.ID, msg.Command(), msg.CommandArguments())
		return b.handleCommand(ctx, msg)
	}

	if b.isAdmin(msg.From.ID) {
		if input, ok := b.takeInput(msg.From.ID); ok {
			return b.handleAdminInput(ctx, msg, input)
		}
		if msg.ReplyToMessage != nil {
			return b.handleAdminReply(ctx, msg)
		}
		return b.sendText(ctx, msg.Chat.ID, "Ответьте на сообщение пользователя или используйте /requests.")
	}

	return b.forwardToAdmin(ctx, msg)
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) error {
	if b.isAdmin(msg.From.ID) {
		if strings.HasPrefix(msg.Command(), "unban_") {
			return b.handleUnban(ctx, msg, strings.TrimPrefix(msg.Command(), "unban_"))
		}
		switch msg.Command() {
		case "requests":
			return b.handleRequests(ctx, msg)
		case "keys":
			return b.handleKeys(ctx, msg)
		case "bans":
			return b.handleBans(ctx, msg)
		case "unban":
			return b.handleUnban(ctx, msg, strings.TrimSpace(msg.CommandArguments()))
		case "unbind":
			return b.handleUnbind(ctx, msg)
		case "report":
			go func() {
				if err := b.reporter.RunDaily(context.Background()); err != nil {
					log.Printf("[error] manual report: %v", err)
				}
			}()
			return b.sendText(ctx, msg.Chat.ID, "📊 Формирую отчёт…")
		case "reset_traffic":
			return b.sendWithMarkup(ctx, msg.Chat.ID,
				"⚠️ Обнулить счётчики трафика <b>всех</b> клиентов на панели?", resetConfirmKeyboard())
		}
	}

	switch msg.Command() {
	case "start":
		return b.handleStart(ctx, msg)
	case "help":
		return b.handleHelp(ctx, msg)
	case "status":
		return b.handleStatus(ctx, msg)
	case "id":
		return b.sendText(ctx, msg.Chat.ID, fmt.Sprintf("🆔 Ваш ID: <code>%d</code>", msg.From.ID))
	default:
		return b.sendText(ctx, msg.Chat.ID, "Команда не поддерживается. Загляни в /help.")
	}
}

func (b *Bot) handleStart(ctx context.Context, msg *tgbotapi.Message) error {
	if _, err := b.lifecycle.EnsureUser(ctx, userInfoFrom(msg.From)); err != nil {
		return err
	}

	name := strings.TrimSpace(msg.From.FirstName)
	if name == "" {
		name = "друг"
	}

	text := fmt.Sprintf(
		"👋 Привет, %s!\n<b>Я выдаю ключи доступа к VPN.</b>\n\n"+
			"Нажми «Запросить ключ» — администратор рассмотрит запрос, и я пришлю тебе ключ.\n"+
			"Любое текстовое сообщение я передам администратору.",
		escape(name),
	)
	return b.sendWithMarkup(ctx, msg.Chat.ID, text, mainMenuKeyboard())
}

func (b *Bot) handleHelp(ctx context.Context, msg *tgbotapi.Message) error {
	text := "ℹ️ <b>Подсказки</b>\n" +
		"• /start — главное меню\n" +
		"• /status — ваши ключи и запросы\n" +
		"• /id — ваш Telegram ID\n" +
		"• любое сообщение — передам администратору"
	if b.isAdmin(msg.From.ID) {
		text += "\n\n👮 <b>Администратору</b>\n" +
			"• /requests — открытые запросы\n" +
			"• /keys — все привязки ключей\n" +
			"• /bans — заблокированные пользователи\n" +
			"• /unban &lt;id&gt; — снять блокировку\n" +
			"• /unbind &lt;id&gt; &lt;email&gt; — отвязать ключ\n" +
			"• /report — отчёт по трафику сейчас\n" +
			"• /reset_traffic — обнулить счётчики панели"
	}
	return b.sendText(ctx, msg.Chat.ID, text)
}

func (b *Bot) handleStatus(ctx context.Context, msg *tgbotapi.Message) error {
	info := userInfoFrom(msg.From)
	if _, err := b.lifecycle.EnsureUser(ctx, info); err != nil {
		return err
	}

	keys, err := b.lifecycle.UserKeys(ctx, msg.From.ID)
	if err != nil {
		return err
	}
	pending, err := b.lifecycle.PendingRequests(ctx, msg.From.ID)
	if err != nil {
		return err
	}

	var sb strings.Builder
	sb.WriteString("📋 <b>Ваш статус</b>\n\n")
	sb.WriteString(fmt.Sprintf("🔑 Ключей: %d\n", len(keys)))
	if len(pending) > 0 {
		sb.WriteString("⏳ Запрос на ключ на рассмотрении\n")
	} else {
		sb.WriteString("📭 Открытых запросов нет\n")
	}
	return b.sendWithMarkup(ctx, msg.Chat.ID, sb.String(), mainMenuKeyboard())
}

// forwardToAdmin relays a user's free text and remembers the resulting
// admin-side message id so a plain reply reaches the right user.
func (b *Bot) forwardToAdmin(ctx context.Context, msg *tgbotapi.Message) error {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil
	}
	err := b.lifecycle.ForwardUserMessage(ctx, userInfoFrom(msg.From), text)
	if errors.Is(err, service.ErrUserBlocked) {
		return b.sendText(ctx, msg.Chat.ID, "⛔ Вы временно заблокированы.")
	}
	if err != nil {
		return err
	}
	return b.sendText(ctx, msg.Chat.ID, "✅ Сообщение передано администратору.")
}

func (b *Bot) handleAdminInput(ctx context.Context, msg *tgbotapi.Message, input pendingInput) error {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return b.sendText(ctx, msg.Chat.ID, "Пустое сообщение не отправлено.")
	}
	req, err := b.lifecycle.SendAdminMessage(ctx, input.requestID, text)
	if errors.Is(err, service.ErrRequestNotFound) {
		return b.sendText(ctx, msg.Chat.ID, "Запрос уже обработан.")
	}
	if err != nil {
		return b.sendText(ctx, msg.Chat.ID, fmt.Sprintf("Не удалось отправить: %s", escape(err.Error())))
	}
	return b.sendText(ctx, msg.Chat.ID, fmt.Sprintf("✅ Отправлено пользователю %s.", escape(requestDisplayName(req))))
}

// handleAdminReply resolves the target of a plain reply through the reply
// index; the digit-scan over the quoted text is only a fallback for
// messages sent before the index existed.
func (b *Bot) handleAdminReply(ctx context.Context, msg *tgbotapi.Message) error {
	target, ok := b.lookupReply(msg.ReplyToMessage.MessageID)
	if !ok {
		target, ok = extractUserID(msg.ReplyToMessage.Text)
	}
	if !ok {
		return b.sendText(ctx, msg.Chat.ID, "Не удалось определить получателя. Используйте /requests.")
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil
	}
	err := b.NotifyUser(ctx, target, fmt.Sprintf("✉️ <b>Сообщение от администратора:</b>\n\n%s", escape(text)))
	if err != nil {
		return b.sendText(ctx, msg.Chat.ID, fmt.Sprintf("Не удалось доставить: %s", escape(err.Error())))
	}
	return b.sendText(ctx, msg.Chat.ID, "✅ Доставлено.")
}

// --- client-side callback handlers ---

func (b *Bot) handleRequestKey(ctx context.Context, cb *tgbotapi.CallbackQuery) error {
	_, created, err := b.lifecycle.CreateRequest(ctx, userInfoFrom(cb.From))
	if errors.Is(err, service.ErrUserBlocked) {
		return b.sendText(ctx, cb.From.ID, "⛔ Вы временно заблокированы.")
	}
	if err != nil {
		return err
	}
	if !created {
		return b.sendText(ctx, cb.From.ID, "⏳ Ваш запрос уже на рассмотрении у администратора.")
	}
	return b.sendText(ctx, cb.From.ID, "✅ Запрос отправлен администратору. Я пришлю ключ, как только его одобрят.")
}

func (b *Bot) handleMyKeys(ctx context.Context, cb *tgbotapi.CallbackQuery) error {
	keys, err := b.lifecycle.UserKeys(ctx, cb.From.ID)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return b.sendText(ctx, cb.From.ID, "У вас пока нет ключей. Нажмите «Запросить ключ».")
	}

	for _, key := range keys {
		details, err := b.lifecycle.KeyDetails(ctx, key.ClientEmail)
		if errors.Is(err, service.ErrKeyNotFound) {
			if err := b.sendText(ctx, cb.From.ID, fmt.Sprintf("⚠️ Ключ <code>%s</code> не найден на панели.", escape(key.ClientEmail))); err != nil {
				log.Printf("[error] send key notice to %d: %v", cb.From.ID, err)
			}
			continue
		}
		if err != nil {
			return err
		}
		text := fmt.Sprintf(
			"🔑 <b>%s</b>\n\n<code>%s</code>\n\n🔗 Подписка:\n<code>%s</code>",
			escape(key.ClientEmail), escape(details.ShareURL), escape(details.SubscriptionURL),
		)
		if err := b.sendWithMarkup(ctx, cb.From.ID, text, keyActionsKeyboard(key.ClientEmail)); err != nil {
			log.Printf("[error] send key %s to %d: %v", key.ClientEmail, cb.From.ID, err)
		}
	}
	return nil
}

func (b *Bot) handleKeyQR(ctx context.Context, cb *tgbotapi.CallbackQuery, email string) error {
	if err := b.requireOwnKey(ctx, cb.From.ID, email); err != nil {
		return err
	}
	details, err := b.lifecycle.KeyDetails(ctx, email)
	if errors.Is(err, service.ErrKeyNotFound) {
		return b.sendText(ctx, cb.From.ID, "⚠️ Ключ не найден на панели.")
	}
	if err != nil {
		return err
	}

	png, err := qrcode.Encode(details.ShareURL, qrcode.Medium, 512)
	if err != nil {
		return fmt.Errorf("encode qr for %s: %w", email, err)
	}
	photo := tgbotapi.NewPhoto(cb.From.ID, tgbotapi.FileBytes{Name: "key.png", Bytes: png})
	photo.Caption = email
	return b.send(ctx, photo)
}

func (b *Bot) handleKeyStats(ctx context.Context, cb *tgbotapi.CallbackQuery, email string) error {
	if err := b.requireOwnKey(ctx, cb.From.ID, email); err != nil {
		return err
	}
	traffic, err := b.lifecycle.KeyTraffic(ctx, email)
	if err != nil {
		return err
	}
	if traffic == nil {
		return b.sendText(ctx, cb.From.ID, "⚠️ Панель пока не вернула статистику по этому ключу.")
	}

	now := time.Now()
	weekStart := now.AddDate(0, 0, -7).Format("2006-01-02")
	weekEnd := now.AddDate(0, 0, -1).Format("2006-01-02")
	var weekTotal int64
	if totals, err := b.traffic.Stats(ctx, weekStart, weekEnd); err == nil {
		for _, t := range totals {
			if t.Email == email {
				weekTotal = t.TotalUp + t.TotalDown
				break
			}
		}
	} else {
		log.Printf("[error] weekly stats for %s: %v", email, err)
	}

	text := fmt.Sprintf(
		"📊 <b>%s</b>\n\n⬆️ Отдано: %s\n⬇️ Принято: %s\n∑ Всего: %s\n📅 За 7 дней: %s",
		escape(email),
		service.FormatBytes(traffic.Up),
		service.FormatBytes(traffic.Down),
		service.FormatBytes(traffic.AllTime),
		service.FormatBytes(weekTotal),
	)
	return b.sendText(ctx, cb.From.ID, text)
}

// requireOwnKey refuses key callbacks forged for someone else's email.
func (b *Bot) requireOwnKey(ctx context.Context, tgID int64, email string) error {
	if b.isAdmin(tgID) {
		return nil
	}
	keys, err := b.lifecycle.UserKeys(ctx, tgID)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if key.ClientEmail == email {
			return nil
		}
	}
	return fmt.Errorf("key %s is not bound to user %d", email, tgID)
}

// --- service.Notifier ---

func (b *Bot) NotifyUser(ctx context.Context, tgID int64, text string) error {
	return b.sendText(ctx, tgID, text)
}

func (b *Bot) NotifyAdminRequest(ctx context.Context, req *model.PendingRequest, keys []model.UserKey) error {
	var sb strings.Builder
	sb.WriteString("🆕 <b>Запрос на ключ</b>\n\n")
	sb.WriteString(fmt.Sprintf("👤 %s\n", escape(requestDisplayName(req))))
	if req.Username != "" {
		sb.WriteString(fmt.Sprintf("🔗 @%s\n", escape(req.Username)))
	}
	sb.WriteString(fmt.Sprintf("🆔 <code>%d</code>\n", req.TgID))
	if len(keys) == 0 {
		sb.WriteString("\n🔑 Ключей пока нет")
	} else {
		sb.WriteString(fmt.Sprintf("\n🔑 Ключей: %d\n", len(keys)))
		for _, key := range keys {
			sb.WriteString(fmt.Sprintf("• <code>%s</code>\n", escape(key.ClientEmail)))
		}
	}

	msg := tgbotapi.NewMessage(b.cfg.AdminID, sb.String())
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = requestActionsKeyboard(req.RequestID)
	sent, err := b.sendReturning(ctx, msg)
	if err != nil {
		return err
	}
	b.recordReply(sent.MessageID, req.TgID)
	return nil
}

func (b *Bot) ForwardToAdmin(ctx context.Context, from *model.TelegramUser, text string) error {
	body := fmt.Sprintf(
		"💬 <b>Сообщение от %s</b> (🆔 <code>%d</code>):\n\n%s",
		escape(from.DisplayName()), from.TgID, escape(text),
	)
	msg := tgbotapi.NewMessage(b.cfg.AdminID, body)
	msg.ParseMode = tgbotapi.ModeHTML
	sent, err := b.sendReturning(ctx, msg)
	if err != nil {
		return err
	}
	b.recordReply(sent.MessageID, from.TgID)
	return nil
}

// --- service.ReportSink ---

func (b *Bot) SendAdminReport(ctx context.Context, text string) error {
	return b.sendText(ctx, b.cfg.AdminID, text)
}

// --- send helpers ---

func (b *Bot) sendText(ctx context.Context, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	return b.send(ctx, msg)
}

func (b *Bot) sendWithMarkup(ctx context.Context, chatID int64, text string, markup tgbotapi.InlineKeyboardMarkup) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = markup
	return b.send(ctx, msg)
}

func (b *Bot) send(ctx context.Context, c tgbotapi.Chattable) error {
	_, err := b.sendReturning(ctx, c)
	return err
}

func (b *Bot) sendReturning(ctx context.Context, c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return tgbotapi.Message{}, err
	}
	return b.api.Send(c)
}

// --- small state helpers ---

func (b *Bot) isAdmin(tgID int64) bool { return tgID == b.cfg.AdminID }

func (b *Bot) recordReply(messageID int, tgID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replyIndex[messageID] = tgID
}

func (b *Bot) lookupReply(messageID int) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tgID, ok := b.replyIndex[messageID]
	return tgID, ok
}

func (b *Bot) setInput(adminID int64, input pendingInput) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inputs[adminID] = input
}

func (b *Bot) takeInput(adminID int64) (pendingInput, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	input, ok := b.inputs[adminID]
	if ok {
		delete(b.inputs, adminID)
	}
	return input, ok
}

func (b *Bot) cacheClients(requestID string, emails []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clientPick[requestID] = emails
}

func (b *Bot) cachedClients(requestID string) ([]string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	emails, ok := b.clientPick[requestID]
	return emails, ok
}

func (b *Bot) dropClients(requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clientPick, requestID)
}

func userInfoFrom(from *tgbotapi.User) service.UserInfo {
	return service.UserInfo{
		TgID:      from.ID,
		Username:  from.UserName,
		FirstName: from.FirstName,
		LastName:  from.LastName,
	}
}

func requestDisplayName(req *model.PendingRequest) string {
	if req.FirstName != "" {
		return req.FirstName
	}
	if req.Username != "" {
		return req.Username
	}
	return "User"
}

var userIDPattern = regexp.MustCompile(`\d{9,}`)

// extractUserID scans quoted text for the longest 9+ digit run.
func extractUserID(text string) (int64, bool) {
	matches := userIDPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return 0, false
	}
	longest := matches[0]
	for _, m := range matches[1:] {
		if len(m) > len(longest) {
			longest = m
		}
	}
	id, err := strconv.ParseInt(longest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func escape(s string) string {
	return html.EscapeString(s)
}
