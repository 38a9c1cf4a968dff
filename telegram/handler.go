package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/attendance_backend/config"
	"bitbucket.org/mmdatafocus/attendance_backend/models"
	"bitbucket.org/mmdatafocus/attendance_backend/utils"
	"github.com/sirupsen/logrus"
)

// Sender sends chat messages. Satisfied by *Client; tests swap in a fake.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string, keyboard *ReplyKeyboardMarkup) error
}

// AttendanceLedger is the slice of the ledger the webhook needs.
type AttendanceLedger interface {
	CheckIn(ctx context.Context, employee *models.Employee, lat, lon float64) (*models.AttendanceRecord, error)
	CheckOut(ctx context.Context, employee *models.Employee) (*models.AttendanceRecord, error)
	MarkSick(ctx context.Context, employee *models.Employee) (*models.AttendanceRecord, error)
	DailyStatus(ctx context.Context, employee *models.Employee, date time.Time) (models.DayStatus, error)
	Today() (date time.Time, now time.Time)
}

// Handler routes webhook updates: menu buttons, location events, the /start
// invite flow and the admin commands. Replies travel back through Sender.
type Handler struct {
	Logger    *logrus.Logger
	Clock     models.Clock
	Settings  *config.Settings
	Ledger    AttendanceLedger
	Directory models.Directory
	Sites     models.SiteCatalog
	Sender    Sender
	Actions   ActionState

	// BotUsername builds invite deep links. Resolved via getMe at startup;
	// a fetch failure only disables invite links, not the bot.
	BotUsername string
}

const pendingCheckIn = "IN"

// HandleUpdate processes one webhook update. Business outcomes become chat
// replies; only infrastructure failures are returned.
func (h *Handler) HandleUpdate(ctx context.Context, update *Update) error {
	if update == nil || update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
		return nil
	}
	m := update.Message
	chatID := m.Chat.ID
	externalId := m.From.ID

	if strings.HasPrefix(m.Text, "/start") {
		return h.handleStart(ctx, m)
	}

	employee, err := h.activeEmployee(ctx, externalId)
	if err != nil {
		return err
	}
	if employee == nil {
		return h.reply(ctx, chatID, "⛔ Нет доступа", nil)
	}

	switch {
	case m.Location != nil:
		return h.handleLocation(ctx, employee, chatID, m.Location)
	case m.Text == ButtonCheckIn:
		if err := h.Actions.Set(chatID, pendingCheckIn); err != nil {
			return err
		}
		return h.reply(ctx, chatID, "Отправьте геолокацию (скрепка → Геопозиция).", LocationKeyboard())
	case m.Text == ButtonCheckOut:
		return h.handleCheckOut(ctx, employee, chatID)
	case m.Text == ButtonSick:
		return h.handleSick(ctx, employee, chatID)
	case m.Text == ButtonWhoToday:
		return h.handleWhoToday(ctx, employee, chatID)
	case m.Text == ButtonInvite:
		return h.handleInvite(ctx, employee, chatID)
	case m.Text == ButtonSites:
		return h.handleSites(ctx, employee, chatID)
	}
	return nil
}

// handleStart greets known employees and redeems invite tokens for new ones.
func (h *Handler) handleStart(ctx context.Context, m *Message) error {
	chatID := m.Chat.ID
	token := ""
	if parts := strings.SplitN(strings.TrimSpace(m.Text), " ", 2); len(parts) == 2 {
		token = strings.TrimSpace(parts[1])
	}

	employee, err := h.lookupEmployee(ctx, m.From.ID)
	if err != nil {
		return err
	}

	if employee == nil && token != "" {
		reportedName := m.From.FirstName
		if reportedName == "" {
			reportedName = "Сотрудник"
		}
		now := h.nowLocal()
		created, err := models.ConsumeInvite(ctx, token, m.From.ID, reportedName, now)
		if err != nil {
			if errors.Is(err, models.ErrInviteInvalid) {
				return h.reply(ctx, chatID, "⛔ Доступ запрещён. Обратитесь к администратору.", nil)
			}
			return err
		}
		return h.reply(ctx, chatID, "✅ Вы добавлены. Напишите админу, чтобы он указал ФИО.", MainKeyboard(created.IsAdmin()))
	}

	if employee == nil || !utils.DereferencePtr(employee.IsActive) {
		return h.reply(ctx, chatID, "⛔ Доступ запрещён. Обратитесь к администратору.", nil)
	}
	greeting := fmt.Sprintf("Здравствуйте, %s 👋", employee.DisplayName())
	return h.reply(ctx, chatID, greeting, MainKeyboard(employee.IsAdmin()))
}

// handleLocation completes the armed check-in with the reported coordinate.
// An unsolicited or expired location gets a hint instead of a ledger write.
func (h *Handler) handleLocation(ctx context.Context, employee *models.Employee, chatID int64, loc *Location) error {
	action, ok, err := h.Actions.Get(chatID)
	if err != nil {
		return err
	}
	if !ok || action != pendingCheckIn {
		return h.reply(ctx, chatID, fmt.Sprintf("Сначала нажмите %s, затем отправьте геолокацию.", ButtonCheckIn), MainKeyboard(employee.IsAdmin()))
	}
	defer func() {
		if err := h.Actions.Clear(chatID); err != nil {
			config.LogError(h.Logger, "handler.go", "handleLocation", "clear pending action", chatID, err)
		}
	}()

	rec, err := h.Ledger.CheckIn(ctx, employee, loc.Latitude, loc.Longitude)
	switch {
	case errors.Is(err, models.ErrAlreadyMarked):
		return h.reply(ctx, chatID, "❗ Вы уже отметились сегодня.", MainKeyboard(employee.IsAdmin()))
	case errors.Is(err, models.ErrNoSitesConfigured):
		return h.reply(ctx, chatID, "❗ Нет активных объектов. Сообщите администратору.", MainKeyboard(employee.IsAdmin()))
	case errors.Is(err, models.ErrOutOfZone):
		return h.reply(ctx, chatID, "⛔ Вы вне зоны объектов. Приход не засчитан.", MainKeyboard(employee.IsAdmin()))
	case err != nil:
		return err
	}

	siteName := h.siteName(ctx, rec.SiteId)
	text := fmt.Sprintf("✅ Приход зафиксирован.\nОбъект: %s\nВремя: %s\n\nКогда уйдёте — нажмите %s",
		siteName, rec.CheckIn.In(h.Settings.Location()).Format("15:04"), ButtonCheckOut)
	return h.reply(ctx, chatID, text, MainKeyboard(employee.IsAdmin()))
}

func (h *Handler) handleCheckOut(ctx context.Context, employee *models.Employee, chatID int64) error {
	rec, err := h.Ledger.CheckOut(ctx, employee)
	switch {
	case errors.Is(err, models.ErrNoCheckIn):
		return h.reply(ctx, chatID, "❗ Нельзя отметить уход без прихода.", nil)
	case errors.Is(err, models.ErrAlreadySick):
		return h.reply(ctx, chatID, "❗ Сегодня отмечено как 'Болел'.", nil)
	case errors.Is(err, models.ErrAlreadyCheckedOut):
		return h.reply(ctx, chatID, "❗ Уход уже был отмечен сегодня.", nil)
	case err != nil:
		return err
	}

	text := fmt.Sprintf("✅ Уход зафиксирован.\nОтработано: %dч %dм\nВ табель: %d ч (округление вверх, максимум 8)",
		rec.MinutesWorked/60, rec.MinutesWorked%60, rec.TimesheetHours)
	return h.reply(ctx, chatID, text, nil)
}

func (h *Handler) handleSick(ctx context.Context, employee *models.Employee, chatID int64) error {
	_, err := h.Ledger.MarkSick(ctx, employee)
	switch {
	case errors.Is(err, models.ErrHasActivitySick):
		return h.reply(ctx, chatID, "❗ Уже есть приход/уход сегодня. 'Болел' поставить нельзя.", nil)
	case err != nil:
		return err
	}
	return h.reply(ctx, chatID, "✅ Отмечено: Болел (Б)", nil)
}

// handleWhoToday builds the presence report, one line per active employee.
func (h *Handler) handleWhoToday(ctx context.Context, employee *models.Employee, chatID int64) error {
	if !employee.IsAdmin() {
		return h.reply(ctx, chatID, "⛔ Только для администратора", nil)
	}

	date, _ := h.Ledger.Today()
	employees, err := h.Directory.ActiveEmployees(ctx, models.EmployeeRoleEmployee)
	if err != nil {
		return err
	}
	if len(employees) == 0 {
		return h.reply(ctx, chatID, "Нет активных сотрудников.", nil)
	}

	lines := make([]string, 0, len(employees))
	for _, e := range employees {
		status, err := h.Ledger.DailyStatus(ctx, e, date)
		if err != nil {
			config.LogError(h.Logger, "handler.go", "handleWhoToday", "daily status", e.ID, err)
			continue
		}
		switch status.Kind {
		case models.DayStatusPresent:
			lines = append(lines, fmt.Sprintf("🟢 %s — на работе", e.DisplayName()))
		case models.DayStatusAbsentSick:
			lines = append(lines, fmt.Sprintf("🤒 %s — Б", e.DisplayName()))
		case models.DayStatusDeparted:
			lines = append(lines, fmt.Sprintf("✅ %s — ушёл", e.DisplayName()))
		default:
			lines = append(lines, fmt.Sprintf("🔴 %s — не отметился", e.DisplayName()))
		}
	}
	return h.reply(ctx, chatID, strings.Join(lines, "\n"), nil)
}

// handleInvite mints a one-time employee invite as a deep link.
func (h *Handler) handleInvite(ctx context.Context, employee *models.Employee, chatID int64) error {
	if !employee.IsAdmin() {
		return h.reply(ctx, chatID, "⛔ Только для администратора", nil)
	}

	invite, err := models.CreateInvite(ctx, models.EmployeeRoleEmployee, h.nowLocal())
	if err != nil {
		return err
	}
	if h.BotUsername == "" {
		return h.reply(ctx, chatID, fmt.Sprintf("Токен приглашения (7 дней, одноразовый):\n%s", invite.Token), nil)
	}
	link := fmt.Sprintf("https://t.me/%s?start=%s", h.BotUsername, invite.Token)
	return h.reply(ctx, chatID, fmt.Sprintf("Ссылка-приглашение (7 дней, одноразовая):\n%s", link), nil)
}

func (h *Handler) handleSites(ctx context.Context, employee *models.Employee, chatID int64) error {
	if !employee.IsAdmin() {
		return h.reply(ctx, chatID, "⛔ Только для администратора", nil)
	}

	sites, err := h.Sites.ActiveSites(ctx)
	if err != nil {
		return err
	}
	if len(sites) == 0 {
		return h.reply(ctx, chatID, "Нет активных объектов.", nil)
	}
	lines := make([]string, 0, len(sites))
	for _, s := range sites {
		lines = append(lines, fmt.Sprintf("🏢 %s — радиус %d м", s.Name, s.RadiusM))
	}
	return h.reply(ctx, chatID, strings.Join(lines, "\n"), nil)
}

// activeEmployee resolves the chat user; nil means unknown or deactivated.
func (h *Handler) activeEmployee(ctx context.Context, externalId int64) (*models.Employee, error) {
	employee, err := h.lookupEmployee(ctx, externalId)
	if err != nil || employee == nil {
		return nil, err
	}
	if !utils.DereferencePtr(employee.IsActive) {
		return nil, nil
	}
	return employee, nil
}

func (h *Handler) lookupEmployee(ctx context.Context, externalId int64) (*models.Employee, error) {
	employee, err := h.Directory.EmployeeByExternalId(ctx, externalId)
	if errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return employee, nil
}

func (h *Handler) siteName(ctx context.Context, siteId *int) string {
	if siteId == nil {
		return "?"
	}
	sites, err := h.Sites.ActiveSites(ctx)
	if err != nil {
		config.LogError(h.Logger, "handler.go", "siteName", "site snapshot", *siteId, err)
		return "?"
	}
	for _, s := range sites {
		if s.ID == *siteId {
			return s.Name
		}
	}
	return "?"
}

func (h *Handler) nowLocal() time.Time {
	return h.Clock.Now().In(h.Settings.Location())
}

func (h *Handler) reply(ctx context.Context, chatID int64, text string, keyboard *ReplyKeyboardMarkup) error {
	if err := h.Sender.SendMessage(ctx, chatID, text, keyboard); err != nil {
		config.LogError(h.Logger, "handler.go", "reply", "send message", chatID, err)
		return err
	}
	return nil
}
