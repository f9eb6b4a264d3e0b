package testsupport

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tally/internal/database"
	"tally/internal/events"
	"tally/internal/rollup"
)

// testDBCache caches test databases by root test name so subtests and
// helpers called with the outer t share one database.
var testDBCache = make(map[string]*gorm.DB)
var testDBCacheMu sync.Mutex

// SetupTestDB creates a migrated, named in-memory database for the test.
// cache=shared lets the pool's connections see the same database; the pool
// is capped at one connection so writers never contend.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	rootName := t.Name()
	if idx := strings.Index(rootName, "/"); idx > 0 {
		rootName = rootName[:idx]
	}

	testDBCacheMu.Lock()
	if db, exists := testDBCache[rootName]; exists {
		testDBCacheMu.Unlock()
		return db
	}
	testDBCacheMu.Unlock()

	dsn := fmt.Sprintf("file:test_%s_%d?mode=memory&cache=shared", rootName, time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("testsupport: failed to open test database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("testsupport: failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	db.Exec("PRAGMA foreign_keys = ON")

	if err := database.Migrate(db); err != nil {
		t.Fatalf("testsupport: failed to migrate models: %v", err)
	}

	testDBCacheMu.Lock()
	testDBCache[rootName] = db
	testDBCacheMu.Unlock()

	t.Cleanup(func() {
		testDBCacheMu.Lock()
		delete(testDBCache, rootName)
		testDBCacheMu.Unlock()
		sqlDB.Close()
	})

	return db
}

// CleanAllTables clears fact and aggregate tables. Dimension rows are kept
// because resolver memos may still reference them.
func CleanAllTables(db *gorm.DB) {
	for _, table := range []string{"events", "rollup_1m", "rollup_5m", "rollup_1h", "rollup_checkpoints"} {
		db.Exec("DELETE FROM " + table)
	}
}

// GetLogger returns a logger that discards output.
func GetLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// UserHash returns a deterministic 64-char hash for a user name.
func UserHash(user string) string {
	sum := sha256.Sum256([]byte(user))
	return hex.EncodeToString(sum[:])
}

// SessionID returns a fresh 36-char session identifier.
func SessionID() string {
	return uuid.NewString()
}

// EventOption adjusts an event built by NewEvent.
type EventOption func(*events.EventInput)

func WithPage(path string) EventOption {
	return func(e *events.EventInput) { e.PagePath = path }
}

func WithSession(id string) EventOption {
	return func(e *events.EventInput) { e.SessionID = id }
}

func WithUser(user string) EventOption {
	return func(e *events.EventInput) { e.UserHash = UserHash(user) }
}

func WithDevice(device string) EventOption {
	return func(e *events.EventInput) { e.Device = device }
}

func WithCountry(iso2 string) EventOption {
	return func(e *events.EventInput) { e.CountryISO2 = iso2 }
}

func WithType(typ events.EventType) EventOption {
	return func(e *events.EventInput) { e.EventType = typ }
}

func WithUTM(source, medium, campaign string) EventOption {
	return func(e *events.EventInput) {
		e.UTMSource, e.UTMMedium, e.UTMCampaign = source, medium, campaign
	}
}

// NewEvent returns a valid pageview at ts.
func NewEvent(ts time.Time, opts ...EventOption) events.EventInput {
	e := events.EventInput{
		EventTime:   ts,
		SessionID:   SessionID(),
		UserHash:    UserHash("anonymous"),
		PagePath:    "/",
		Device:      "desktop",
		CountryISO2: "US",
		EventType:   events.EventTypePageview,
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// Ingest stores batch and fails the test unless every event is accepted.
func Ingest(t *testing.T, ingester *events.Ingester, batch ...events.EventInput) {
	t.Helper()
	for start := 0; start < len(batch); start += events.MaxBatchSize {
		end := min(start+events.MaxBatchSize, len(batch))
		result, err := ingester.Ingest(t.Context(), batch[start:end])
		require.NoError(t, err)
		require.Equal(t, end-start, result.Accepted, "rejected: %+v", result.Errors)
	}
}

// InsertBuckets writes rows straight into the table of res.
func InsertBuckets(t *testing.T, db *gorm.DB, res rollup.Resolution, rows ...rollup.Bucket) {
	t.Helper()
	for i := range rows {
		rows[i].UpdatedAt = time.Now().UTC()
	}
	require.NoError(t, db.Table(res.Table()).Create(&rows).Error)
}

// HourlySeries fills the 1h table with one total bucket per value, starting
// at from.
func HourlySeries(t *testing.T, db *gorm.DB, from time.Time, values ...int64) {
	t.Helper()
	rows := make([]rollup.Bucket, len(values))
	for i, v := range values {
		rows[i] = rollup.Bucket{BucketTS: from.Add(time.Duration(i) * time.Hour).Unix(), PV: v, Sessions: v}
	}
	InsertBuckets(t, db, rollup.Res1h, rows...)
}
