package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/attendance_backend/config"
	"bitbucket.org/mmdatafocus/attendance_backend/models"
	"bitbucket.org/mmdatafocus/attendance_backend/timesheet"
	"github.com/sirupsen/logrus"
)

// mutableClock lets the test walk the ledger through a business day.
type mutableClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mutableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mutableClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// recordingSink captures day marks and event-log rows instead of touching a
// workbook.
type recordingSink struct {
	mu     sync.Mutex
	marks  []string
	events []string
}

func (s *recordingSink) WriteDayMark(ctx context.Context, date time.Time, displayName string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks = append(s.marks, fmt.Sprintf("%s|%s|%v", date.Format("2006-01-02"), displayName, value))
	return nil
}

func (s *recordingSink) AppendLog(ctx context.Context, ts time.Time, externalId int64, displayName string, action string, geoURL string, siteName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, fmt.Sprintf("%s|%s|%s", displayName, action, siteName))
	return nil
}

func (s *recordingSink) DispatchPeriodicArtifact(ctx context.Context, asOf time.Time) error {
	return nil
}

func TestLedgerDayLifecycle(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "attendance_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	site, err := models.CreateSite(ctx, &models.NewSite{
		Name:    "Склад",
		Lat:     55.7500,
		Lon:     37.6100,
		RadiusM: 200,
	})
	if err != nil {
		t.Fatalf("CreateSite: %v", err)
	}

	worker, err := models.CreateEmployee(ctx, &models.NewEmployee{
		ExternalId: 101,
		LastName:   "Иванов",
		FirstName:  "Иван",
	})
	if err != nil {
		t.Fatalf("CreateEmployee: %v", err)
	}
	sickWorker, err := models.CreateEmployee(ctx, &models.NewEmployee{
		ExternalId: 102,
		LastName:   "Петров",
	})
	if err != nil {
		t.Fatalf("CreateEmployee: %v", err)
	}
	nightWorker, err := models.CreateEmployee(ctx, &models.NewEmployee{
		ExternalId: 103,
		LastName:   "Сидоров",
	})
	if err != nil {
		t.Fatalf("CreateEmployee: %v", err)
	}

	clock := &mutableClock{now: time.Date(2025, 3, 10, 9, 2, 0, 0, time.UTC)}
	sink := &recordingSink{}
	ledger := models.NewLedger(config.GetDB(), logrus.New(), clock, models.GormSiteCatalog{}, sink, time.UTC)

	// checkout before any check-in fails, ledger untouched
	if _, err := ledger.CheckOut(ctx, worker); !errors.Is(err, models.ErrNoCheckIn) {
		t.Fatalf("expected ErrNoCheckIn, got %v", err)
	}

	// out-of-zone check-in fails, no record created
	if _, err := ledger.CheckIn(ctx, worker, 55.80, 37.61); !errors.Is(err, models.ErrOutOfZone) {
		t.Fatalf("expected ErrOutOfZone, got %v", err)
	}
	if rec, err := ledger.RecordForDay(ctx, worker.ID, clock.Now()); err != nil || rec != nil {
		t.Fatalf("failed check-in must not create a record: rec=%v err=%v", rec, err)
	}

	// 09:02 check-in at the site
	rec, err := ledger.CheckIn(ctx, worker, 55.7501, 37.6100)
	if err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	if rec.SiteId == nil || *rec.SiteId != site.ID {
		t.Fatalf("expected resolved site %d, got %v", site.ID, rec.SiteId)
	}

	// second check-in is rejected
	if _, err := ledger.CheckIn(ctx, worker, 55.7501, 37.6100); !errors.Is(err, models.ErrAlreadyMarked) {
		t.Fatalf("expected ErrAlreadyMarked, got %v", err)
	}

	// 17:31 checkout: 509 minutes, capped to 8 hours
	clock.Set(time.Date(2025, 3, 10, 17, 31, 0, 0, time.UTC))
	rec, err = ledger.CheckOut(ctx, worker)
	if err != nil {
		t.Fatalf("CheckOut: %v", err)
	}
	if rec.MinutesWorked != 509 {
		t.Fatalf("expected 509 minutes, got %d", rec.MinutesWorked)
	}
	if rec.TimesheetHours != 8 {
		t.Fatalf("expected 8 timesheet hours, got %d", rec.TimesheetHours)
	}

	// sick after activity is rejected; checkout twice is rejected
	if _, err := ledger.MarkSick(ctx, worker); !errors.Is(err, models.ErrHasActivitySick) {
		t.Fatalf("expected ErrHasActivitySick, got %v", err)
	}
	if _, err := ledger.CheckOut(ctx, worker); !errors.Is(err, models.ErrAlreadyCheckedOut) {
		t.Fatalf("expected ErrAlreadyCheckedOut, got %v", err)
	}

	// sick day is terminal: check-in afterwards is AlreadyMarked
	if _, err := ledger.MarkSick(ctx, sickWorker); err != nil {
		t.Fatalf("MarkSick: %v", err)
	}
	if _, err := ledger.CheckIn(ctx, sickWorker, 55.7501, 37.6100); !errors.Is(err, models.ErrAlreadyMarked) {
		t.Fatalf("expected ErrAlreadyMarked after sick, got %v", err)
	}
	status, err := ledger.DailyStatus(ctx, sickWorker, clock.Now())
	if err != nil {
		t.Fatalf("DailyStatus: %v", err)
	}
	if status.Kind != models.DayStatusAbsentSick {
		t.Fatalf("expected AbsentSick, got %s", status.Kind)
	}

	// forgotten checkout: 08:50 check-in, auto-close forces 18:30
	clock.Set(time.Date(2025, 3, 11, 8, 50, 0, 0, time.UTC))
	if _, err := ledger.CheckIn(ctx, nightWorker, 55.7501, 37.6100); err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	closeAt := time.Date(2025, 3, 11, 18, 30, 0, 0, time.UTC)
	clock.Set(closeAt)
	rec, err = ledger.AutoClose(ctx, nightWorker, closeAt)
	if err != nil {
		t.Fatalf("AutoClose: %v", err)
	}
	if rec.MinutesWorked != 580 {
		t.Fatalf("expected 580 minutes, got %d", rec.MinutesWorked)
	}
	if rec.TimesheetHours != 8 {
		t.Fatalf("expected 8 timesheet hours, got %d", rec.TimesheetHours)
	}
	if !rec.CheckOut.Equal(closeAt) {
		t.Fatalf("expected forced checkout %s, got %s", closeAt, rec.CheckOut)
	}

	// auto-close rerun is a no-op
	if _, err := ledger.AutoClose(ctx, nightWorker, closeAt); !errors.Is(err, models.ErrAlreadyCheckedOut) {
		t.Fatalf("expected ErrAlreadyCheckedOut on rerun, got %v", err)
	}

	// one row per (employee, date)
	var count int64
	if err := config.GetDB().Model(&models.AttendanceRecord{}).
		Where("employee_id = ?", worker.ID).Count(&count).Error; err != nil {
		t.Fatalf("count records: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one record for the day, got %d", count)
	}

	// sink received the checkout hours, the sick mark and the auto-close hours
	sink.mu.Lock()
	marks := append([]string(nil), sink.marks...)
	sink.mu.Unlock()
	if len(marks) != 3 {
		t.Fatalf("expected 3 day marks, got %v", marks)
	}
	if marks[0] != "2025-03-10|Иванов Иван|8" {
		t.Fatalf("unexpected first mark %q", marks[0])
	}
	if marks[1] != fmt.Sprintf("2025-03-10|Петров|%s", timesheet.SickMark) {
		t.Fatalf("unexpected sick mark %q", marks[1])
	}
	if marks[2] != "2025-03-11|Сидоров|8" {
		t.Fatalf("unexpected auto-close mark %q", marks[2])
	}

	// every committed mutation also landed one event-log row, in order
	sink.mu.Lock()
	events := append([]string(nil), sink.events...)
	sink.mu.Unlock()
	expectedEvents := []string{
		"Иванов Иван|IN|Склад",
		"Иванов Иван|OUT|",
		"Петров|SICK|",
		"Сидоров|IN|Склад",
		"Сидоров|OUT (auto)|",
	}
	if len(events) != len(expectedEvents) {
		t.Fatalf("expected %d event rows, got %v", len(expectedEvents), events)
	}
	for i, want := range expectedEvents {
		if events[i] != want {
			t.Fatalf("unexpected event row %d: want %q, got %q", i, want, events[i])
		}
	}
}

func TestInviteRedeemOnce(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "attendance_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	invite, err := models.CreateInvite(ctx, models.EmployeeRoleEmployee, now)
	if err != nil {
		t.Fatalf("CreateInvite: %v", err)
	}

	employee, err := models.ConsumeInvite(ctx, invite.Token, 201, "Анна", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("ConsumeInvite: %v", err)
	}
	if employee.ExternalId != 201 {
		t.Fatalf("expected external id 201, got %d", employee.ExternalId)
	}

	// one-time use
	if _, err := models.ConsumeInvite(ctx, invite.Token, 202, "Олег", now.Add(2*time.Hour)); !errors.Is(err, models.ErrInviteInvalid) {
		t.Fatalf("expected ErrInviteInvalid on reuse, got %v", err)
	}

	// expired invite
	expired, err := models.CreateInvite(ctx, models.EmployeeRoleEmployee, now)
	if err != nil {
		t.Fatalf("CreateInvite: %v", err)
	}
	if _, err := models.ConsumeInvite(ctx, expired.Token, 203, "Мария", now.AddDate(0, 0, 8)); !errors.Is(err, models.ErrInviteInvalid) {
		t.Fatalf("expected ErrInviteInvalid after expiry, got %v", err)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("attendance-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("attendance-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=attendance_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
