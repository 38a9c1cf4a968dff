package telegram

import (
	"context"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/attendance_backend/config"
	"bitbucket.org/mmdatafocus/attendance_backend/models"
	"bitbucket.org/mmdatafocus/attendance_backend/utils"
	"github.com/sirupsen/logrus"
)

type sentMessage struct {
	chatID   int64
	text     string
	keyboard bool
}

type fakeSender struct {
	sent []sentMessage
}

func (s *fakeSender) SendMessage(ctx context.Context, chatID int64, text string, keyboard *ReplyKeyboardMarkup) error {
	s.sent = append(s.sent, sentMessage{chatID: chatID, text: text, keyboard: keyboard != nil})
	return nil
}

func (s *fakeSender) last(t *testing.T) sentMessage {
	t.Helper()
	if len(s.sent) == 0 {
		t.Fatalf("no message sent")
	}
	return s.sent[len(s.sent)-1]
}

type fakeLedger struct {
	checkInErr   error
	checkInRec   *models.AttendanceRecord
	checkInCalls int
	checkOutErr  error
	checkOutRec  *models.AttendanceRecord
	sickErr      error
	statuses     map[int]models.DayStatus
}

func (l *fakeLedger) CheckIn(ctx context.Context, employee *models.Employee, lat, lon float64) (*models.AttendanceRecord, error) {
	l.checkInCalls++
	return l.checkInRec, l.checkInErr
}

func (l *fakeLedger) CheckOut(ctx context.Context, employee *models.Employee) (*models.AttendanceRecord, error) {
	return l.checkOutRec, l.checkOutErr
}

func (l *fakeLedger) MarkSick(ctx context.Context, employee *models.Employee) (*models.AttendanceRecord, error) {
	return nil, l.sickErr
}

func (l *fakeLedger) DailyStatus(ctx context.Context, employee *models.Employee, date time.Time) (models.DayStatus, error) {
	return l.statuses[employee.ID], nil
}

func (l *fakeLedger) Today() (time.Time, time.Time) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	return time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), now
}

type fakeRoster struct {
	employees []*models.Employee
}

func (d *fakeRoster) ActiveEmployees(ctx context.Context, role models.EmployeeRole) ([]*models.Employee, error) {
	var out []*models.Employee
	for _, e := range d.employees {
		if role == "" || e.Role == role {
			out = append(out, e)
		}
	}
	return out, nil
}

func (d *fakeRoster) EmployeeByExternalId(ctx context.Context, externalId int64) (*models.Employee, error) {
	for _, e := range d.employees {
		if e.ExternalId == externalId {
			return e, nil
		}
	}
	return nil, utils.ErrorRecordNotFound
}

type fakeSites struct {
	sites []*models.Site
}

func (s *fakeSites) ActiveSites(ctx context.Context) ([]*models.Site, error) {
	return s.sites, nil
}

type fakeActions struct {
	armed map[int64]string
}

func (a *fakeActions) Set(chatID int64, action string) error {
	if a.armed == nil {
		a.armed = make(map[int64]string)
	}
	a.armed[chatID] = action
	return nil
}

func (a *fakeActions) Get(chatID int64) (string, bool, error) {
	action, ok := a.armed[chatID]
	return action, ok, nil
}

func (a *fakeActions) Clear(chatID int64) error {
	delete(a.armed, chatID)
	return nil
}

func testEmployee(id int, externalId int64, role models.EmployeeRole) *models.Employee {
	return &models.Employee{
		ID:         id,
		ExternalId: externalId,
		LastName:   "Иванов",
		FirstName:  "Иван",
		IsActive:   utils.NewTrue(),
		Role:       role,
	}
}

func testHandler(ledger *fakeLedger, roster *fakeRoster, sites *fakeSites) (*Handler, *fakeSender) {
	sender := &fakeSender{}
	h := &Handler{
		Logger:    logrus.New(),
		Clock:     models.SystemClock{},
		Settings:  &config.Settings{Timezone: "UTC", WorkbookDir: "/tmp"},
		Ledger:    ledger,
		Directory: roster,
		Sites:     sites,
		Sender:    sender,
		Actions:   &fakeActions{},
	}
	return h, sender
}

func locationUpdate(externalId int64, lat, lon float64) *Update {
	return &Update{Message: &Message{
		From:     &User{ID: externalId},
		Chat:     &Chat{ID: externalId},
		Location: &Location{Latitude: lat, Longitude: lon},
	}}
}

func textUpdate(externalId int64, text string) *Update {
	return &Update{Message: &Message{
		From: &User{ID: externalId, FirstName: "Иван"},
		Chat: &Chat{ID: externalId},
		Text: text,
	}}
}

func TestHandleUpdate_UnknownUserDenied(t *testing.T) {
	h, sender := testHandler(&fakeLedger{}, &fakeRoster{}, &fakeSites{})
	if err := h.HandleUpdate(context.Background(), textUpdate(999, ButtonCheckOut)); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}
	if got := sender.last(t).text; got != "⛔ Нет доступа" {
		t.Fatalf("expected access denied, got %q", got)
	}
}

func TestHandleUpdate_CheckOutOutcomes(t *testing.T) {
	worker := testEmployee(1, 100, models.EmployeeRoleEmployee)
	cases := []struct {
		err      error
		rec      *models.AttendanceRecord
		expected string
	}{
		{err: models.ErrNoCheckIn, expected: "❗ Нельзя отметить уход без прихода."},
		{err: models.ErrAlreadySick, expected: "❗ Сегодня отмечено как 'Болел'."},
		{err: models.ErrAlreadyCheckedOut, expected: "❗ Уход уже был отмечен сегодня."},
		{
			rec:      &models.AttendanceRecord{MinutesWorked: 509, TimesheetHours: 8},
			expected: "✅ Уход зафиксирован.\nОтработано: 8ч 29м\nВ табель: 8 ч (округление вверх, максимум 8)",
		},
	}
	for _, tc := range cases {
		ledger := &fakeLedger{checkOutErr: tc.err, checkOutRec: tc.rec}
		h, sender := testHandler(ledger, &fakeRoster{employees: []*models.Employee{worker}}, &fakeSites{})
		if err := h.HandleUpdate(context.Background(), textUpdate(100, ButtonCheckOut)); err != nil {
			t.Fatalf("HandleUpdate: %v", err)
		}
		if got := sender.last(t).text; got != tc.expected {
			t.Fatalf("expected %q, got %q", tc.expected, got)
		}
	}
}

func TestHandleUpdate_LocationCheckIn(t *testing.T) {
	worker := testEmployee(1, 100, models.EmployeeRoleEmployee)
	siteId := 7
	in := time.Date(2025, 3, 10, 9, 2, 0, 0, time.UTC)
	ledger := &fakeLedger{checkInRec: &models.AttendanceRecord{SiteId: &siteId, CheckIn: &in}}
	sites := &fakeSites{sites: []*models.Site{{ID: 7, Name: "Склад", RadiusM: 200}}}
	h, sender := testHandler(ledger, &fakeRoster{employees: []*models.Employee{worker}}, sites)

	if err := h.HandleUpdate(context.Background(), textUpdate(100, ButtonCheckIn)); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}
	if got := sender.last(t).text; got != "Отправьте геолокацию (скрепка → Геопозиция)." {
		t.Fatalf("unexpected prompt %q", got)
	}

	if err := h.HandleUpdate(context.Background(), locationUpdate(100, 55.7501, 37.61)); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}
	got := sender.last(t).text
	if !strings.Contains(got, "✅ Приход зафиксирован.") {
		t.Fatalf("expected confirmation, got %q", got)
	}
	if !strings.Contains(got, "Склад") || !strings.Contains(got, "09:02") {
		t.Fatalf("expected site name and time, got %q", got)
	}
	if _, ok, _ := h.Actions.Get(100); ok {
		t.Fatalf("pending action must be cleared after check-in")
	}
}

func TestHandleUpdate_UnsolicitedLocationIgnored(t *testing.T) {
	worker := testEmployee(1, 100, models.EmployeeRoleEmployee)
	ledger := &fakeLedger{}
	h, sender := testHandler(ledger, &fakeRoster{employees: []*models.Employee{worker}}, &fakeSites{})

	if err := h.HandleUpdate(context.Background(), locationUpdate(100, 55.7501, 37.61)); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}
	if got := sender.last(t).text; got != "Сначала нажмите "+ButtonCheckIn+", затем отправьте геолокацию." {
		t.Fatalf("expected arming hint, got %q", got)
	}
	if ledger.checkInCalls != 0 {
		t.Fatalf("unsolicited location must not reach the ledger, got %d calls", ledger.checkInCalls)
	}
}

func TestHandleUpdate_LocationOutOfZone(t *testing.T) {
	worker := testEmployee(1, 100, models.EmployeeRoleEmployee)
	ledger := &fakeLedger{checkInErr: models.ErrOutOfZone}
	h, sender := testHandler(ledger, &fakeRoster{employees: []*models.Employee{worker}}, &fakeSites{})

	if err := h.HandleUpdate(context.Background(), textUpdate(100, ButtonCheckIn)); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}
	if err := h.HandleUpdate(context.Background(), locationUpdate(100, 1, 1)); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}
	if got := sender.last(t).text; got != "⛔ Вы вне зоны объектов. Приход не засчитан." {
		t.Fatalf("expected out-of-zone reply, got %q", got)
	}
}

func TestHandleUpdate_SickOutcomes(t *testing.T) {
	worker := testEmployee(1, 100, models.EmployeeRoleEmployee)

	h, sender := testHandler(&fakeLedger{}, &fakeRoster{employees: []*models.Employee{worker}}, &fakeSites{})
	if err := h.HandleUpdate(context.Background(), textUpdate(100, ButtonSick)); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}
	if got := sender.last(t).text; got != "✅ Отмечено: Болел (Б)" {
		t.Fatalf("expected sick confirmation, got %q", got)
	}

	h, sender = testHandler(&fakeLedger{sickErr: models.ErrHasActivitySick}, &fakeRoster{employees: []*models.Employee{worker}}, &fakeSites{})
	if err := h.HandleUpdate(context.Background(), textUpdate(100, ButtonSick)); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}
	if got := sender.last(t).text; got != "❗ Уже есть приход/уход сегодня. 'Болел' поставить нельзя." {
		t.Fatalf("expected sick rejection, got %q", got)
	}
}

func TestHandleUpdate_WhoTodayAdminOnly(t *testing.T) {
	admin := testEmployee(1, 100, models.EmployeeRoleAdmin)
	worker := testEmployee(2, 200, models.EmployeeRoleEmployee)
	in := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	ledger := &fakeLedger{statuses: map[int]models.DayStatus{
		2: {Kind: models.DayStatusPresent, CheckIn: &in},
	}}
	roster := &fakeRoster{employees: []*models.Employee{admin, worker}}

	h, sender := testHandler(ledger, roster, &fakeSites{})
	if err := h.HandleUpdate(context.Background(), textUpdate(200, ButtonWhoToday)); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}
	if got := sender.last(t).text; got != "⛔ Только для администратора" {
		t.Fatalf("expected admin rejection, got %q", got)
	}

	if err := h.HandleUpdate(context.Background(), textUpdate(100, ButtonWhoToday)); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}
	if got := sender.last(t).text; got != "🟢 Иванов Иван — на работе" {
		t.Fatalf("unexpected report %q", got)
	}
}

func TestHandleUpdate_StartGreetsKnownEmployee(t *testing.T) {
	admin := testEmployee(1, 100, models.EmployeeRoleAdmin)
	h, sender := testHandler(&fakeLedger{}, &fakeRoster{employees: []*models.Employee{admin}}, &fakeSites{})

	if err := h.HandleUpdate(context.Background(), textUpdate(100, "/start")); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}
	msg := sender.last(t)
	if msg.text != "Здравствуйте, Иванов Иван 👋" {
		t.Fatalf("unexpected greeting %q", msg.text)
	}
	if !msg.keyboard {
		t.Fatalf("greeting must carry the menu keyboard")
	}
}

func TestHandleUpdate_SitesListing(t *testing.T) {
	admin := testEmployee(1, 100, models.EmployeeRoleAdmin)
	sites := &fakeSites{sites: []*models.Site{
		{ID: 1, Name: "Склад", RadiusM: 200},
		{ID: 2, Name: "Офис", RadiusM: 150},
	}}
	h, sender := testHandler(&fakeLedger{}, &fakeRoster{employees: []*models.Employee{admin}}, sites)

	if err := h.HandleUpdate(context.Background(), textUpdate(100, ButtonSites)); err != nil {
		t.Fatalf("HandleUpdate: %v", err)
	}
	expected := "🏢 Склад — радиус 200 м\n🏢 Офис — радиус 150 м"
	if got := sender.last(t).text; got != expected {
		t.Fatalf("expected %q, got %q", expected, got)
	}
}
