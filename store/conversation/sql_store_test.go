package conversation

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMock(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return NewSQLStore(db), mock
}

func conversationRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "participant_a", "participant_b", "context_ref", "last_message",
		"deleted_by", "unread_by", "created_at", "updated_at",
	})
}

func TestFindBetweenSortsPair(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE pair_lo = $1 AND pair_hi = $2 AND context_ref = $3")).
		WithArgs("u1", "u2", "p1").
		WillReturnRows(conversationRows().AddRow("c1", "u2", "u1", "p1", "", "{}", "{u1}", now, now))

	convo, err := store.FindBetween(context.Background(), "u2", "u1", "p1")
	if err != nil {
		t.Fatalf("FindBetween: %v", err)
	}
	if convo.ID != "c1" || convo.Participants[0] != "u2" || convo.Participants[1] != "u1" {
		t.Errorf("unexpected conversation: %+v", convo)
	}
	if len(convo.DeletedBy) != 0 {
		t.Errorf("expected empty deletedBy, got %v", convo.DeletedBy)
	}
	if len(convo.UnreadBy) != 1 || convo.UnreadBy[0] != "u1" {
		t.Errorf("expected unreadBy [u1], got %v", convo.UnreadBy)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestFindBetweenNotFound(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("FROM conversations").WillReturnRows(conversationRows())

	_, err := store.FindBetween(context.Background(), "u1", "u2", "")
	if !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestCreate(t *testing.T) {
	store, mock := newMock(t)
	stamp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT clock_timestamp()")).
		WithArgs(sqlmock.AnyArg(), "u2", "u1", "u1", "u2", "p1").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(stamp))

	convo := &Conversation{Participants: []string{"u2", "u1"}, ContextRef: "p1"}
	if err := store.Create(context.Background(), convo); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if convo.ID == "" {
		t.Error("expected generated id")
	}
	if convo.DeletedBy == nil || convo.UnreadBy == nil {
		t.Error("expected initialized sets")
	}
	if !convo.CreatedAt.Equal(stamp) || !convo.UpdatedAt.Equal(stamp) {
		t.Errorf("expected database timestamps %v, got created %v updated %v", stamp, convo.CreatedAt, convo.UpdatedAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCreateConflict(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO conversations")).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}))

	err := store.Create(context.Background(), &Conversation{Participants: []string{"u1", "u2"}})
	if !errors.Is(err, ErrConversationExists) {
		t.Fatalf("expected ErrConversationExists, got %v", err)
	}
}

func TestListVisible(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY updated_at DESC, seq DESC")).
		WithArgs("u1").
		WillReturnRows(conversationRows().
			AddRow("c2", "u1", "u3", "", "latest", "{}", "{}", now, now).
			AddRow("c1", "u1", "u2", "p1", "older", "{u2}", "{}", now, now.Add(-time.Hour)))

	convos, err := store.ListVisible(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ListVisible: %v", err)
	}
	if len(convos) != 2 || convos[0].ID != "c2" || convos[1].ID != "c1" {
		t.Fatalf("unexpected order: %+v", convos)
	}
}

func TestHideMissing(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE conversations")).
		WithArgs("missing", "u1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.Hide(context.Background(), "missing", "u1"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestMarkReadMissingIsNoop(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("array_remove(unread_by")).
		WithArgs("missing", "u1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.MarkRead(context.Background(), "missing", "u1"); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestPairKeyIsOrderIndependent(t *testing.T) {
	if PairKey("a", "b") != PairKey("b", "a") {
		t.Fatal("pair key depends on argument order")
	}
}
