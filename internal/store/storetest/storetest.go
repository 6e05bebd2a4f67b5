// Package storetest is a conformance suite shared by every store.Store
// implementation. It exercises the ordering and counter invariants the
// storage layer itself owns, not its callers.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/nexuschat/orchestrator/internal/models"
	"github.com/nexuschat/orchestrator/internal/store"
)

// Run exercises store against every invariant a PersistentStore must hold.
// Callers build a fresh, empty store per subtest via newStore, so the suite
// can run against both sqlitestore and pgstore with no shared fixture state.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("CreateSessionIsIdempotent", func(t *testing.T) { testCreateSessionIdempotent(t, newStore(t)) })
	t.Run("MessageCountAndActivityTrackAppends", func(t *testing.T) { testMessageCountTracksAppends(t, newStore(t)) })
	t.Run("ReadMessagesOrdersByCreatedThenID", func(t *testing.T) { testMessageOrdering(t, newStore(t)) })
	t.Run("ReadLastMessagesReturnsTailInOrder", func(t *testing.T) { testReadLastMessages(t, newStore(t)) })
	t.Run("UpdateSessionMergesMetadata", func(t *testing.T) { testUpdateSessionMergesMetadata(t, newStore(t)) })
	t.Run("UnreadCountTracksAssistantMessages", func(t *testing.T) { testUnreadCount(t, newStore(t)) })
	t.Run("SoftDeleteExcludedFromDefaultList", func(t *testing.T) { testSoftDeleteExcluded(t, newStore(t)) })
	t.Run("HardDeleteCascades", func(t *testing.T) { testHardDeleteCascades(t, newStore(t)) })
	t.Run("ToolExecutionReachesTerminalStatusExactlyOnce", func(t *testing.T) { testToolExecutionLifecycle(t, newStore(t)) })
	t.Run("AbandonPendingMarksOnlyPending", func(t *testing.T) { testAbandonPending(t, newStore(t)) })
}

func testCreateSessionIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := models.NewSessionID()

	first, err := s.CreateSession(ctx, id, "user-1", "first title")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	second, err := s.CreateSession(ctx, id, "user-1", "second title")
	if err != nil {
		t.Fatalf("CreateSession (conflict): %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("conflicting create returned a different session id")
	}
	if second.Title != "second title" {
		t.Errorf("Title = %q, want %q (conflict should update title)", second.Title, "second title")
	}

	all, err := s.ListSessions(ctx, store.ListSessionsOptions{UserID: "user-1"})
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d sessions for user-1, want exactly 1 (no duplicate row on conflict)", len(all))
	}
}

func testMessageCountTracksAppends(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := models.NewSessionID()
	if _, err := s.CreateSession(ctx, id, "user-1", "t"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	before, err := s.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if before.MessageCount != 0 {
		t.Fatalf("MessageCount = %d, want 0 before any message", before.MessageCount)
	}

	for i := 0; i < 3; i++ {
		if _, err := s.AppendMessage(ctx, id, models.MessageUser, "hello", nil); err != nil {
			t.Fatalf("AppendMessage #%d: %v", i, err)
		}
	}

	after, err := s.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if after.MessageCount != 3 {
		t.Errorf("MessageCount = %d, want 3", after.MessageCount)
	}
	if !after.LastActivityAt.After(before.LastActivityAt) && !after.LastActivityAt.Equal(before.LastActivityAt) {
		t.Errorf("LastActivityAt did not advance after appends")
	}
}

func testMessageOrdering(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := models.NewSessionID()
	if _, err := s.CreateSession(ctx, id, "user-1", "t"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	var ids []int64
	for i := 0; i < 5; i++ {
		m, err := s.AppendMessage(ctx, id, models.MessageUser, "msg", nil)
		if err != nil {
			t.Fatalf("AppendMessage #%d: %v", i, err)
		}
		ids = append(ids, m.ID)
		time.Sleep(time.Millisecond)
	}

	read, err := s.ReadMessages(ctx, id, store.ReadMessagesOptions{Order: store.OrderAsc, Limit: 100})
	if err != nil {
		t.Fatalf("ReadMessages: %v", err)
	}
	if len(read) != len(ids) {
		t.Fatalf("got %d messages, want %d", len(read), len(ids))
	}
	for i, m := range read {
		if m.ID != ids[i] {
			t.Errorf("message[%d].ID = %d, want %d (ascending created_at, id order)", i, m.ID, ids[i])
		}
	}
}

func testReadLastMessages(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := models.NewSessionID()
	if _, err := s.CreateSession(ctx, id, "user-1", "t"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := s.AppendMessage(ctx, id, models.MessageUser, "msg", nil); err != nil {
			t.Fatalf("AppendMessage #%d: %v", i, err)
		}
	}

	last, err := s.ReadLastMessages(ctx, id, 3)
	if err != nil {
		t.Fatalf("ReadLastMessages: %v", err)
	}
	if len(last) != 3 {
		t.Fatalf("got %d messages, want 3", len(last))
	}
	for i := 0; i < len(last)-1; i++ {
		if last[i].ID >= last[i+1].ID {
			t.Errorf("ReadLastMessages not ascending: [%d]=%d >= [%d]=%d", i, last[i].ID, i+1, last[i+1].ID)
		}
	}
}

func testUpdateSessionMergesMetadata(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := models.NewSessionID()
	if _, err := s.CreateSession(ctx, id, "user-1", "t"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	_, err := s.UpdateSession(ctx, id, store.SessionPatch{Metadata: models.JSONMap{"a": "1"}})
	if err != nil {
		t.Fatalf("UpdateSession (a): %v", err)
	}
	sess, err := s.UpdateSession(ctx, id, store.SessionPatch{Metadata: models.JSONMap{"b": "2"}})
	if err != nil {
		t.Fatalf("UpdateSession (b): %v", err)
	}
	if sess.Metadata["a"] != "1" || sess.Metadata["b"] != "2" {
		t.Errorf("Metadata = %+v, want both a and b keys preserved (shallow merge, not replace)", sess.Metadata)
	}
}

func testUnreadCount(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := models.NewSessionID()
	if _, err := s.CreateSession(ctx, id, "user-1", "t"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if _, err := s.AppendMessage(ctx, id, models.MessageUser, "hi", nil); err != nil {
		t.Fatalf("AppendMessage (user): %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := s.AppendMessage(ctx, id, models.MessageAssistant, "hello", nil); err != nil {
			t.Fatalf("AppendMessage (assistant #%d): %v", i, err)
		}
	}

	sess, err := s.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.UnreadCount != 2 {
		t.Errorf("UnreadCount = %d, want 2 (only assistant inserts count)", sess.UnreadCount)
	}

	zero := 0
	sess, err = s.UpdateSession(ctx, id, store.SessionPatch{UnreadCount: &zero})
	if err != nil {
		t.Fatalf("UpdateSession (reset unread): %v", err)
	}
	if sess.UnreadCount != 0 {
		t.Errorf("UnreadCount = %d after reset, want 0", sess.UnreadCount)
	}
}

func testSoftDeleteExcluded(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := models.NewSessionID()
	if _, err := s.CreateSession(ctx, id, "user-2", "t"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	deleted := models.SessionDeleted
	if _, err := s.UpdateSession(ctx, id, store.SessionPatch{Status: &deleted}); err != nil {
		t.Fatalf("UpdateSession (soft delete): %v", err)
	}

	list, err := s.ListSessions(ctx, store.ListSessionsOptions{UserID: "user-2"})
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	for _, sess := range list {
		if sess.ID == id {
			t.Errorf("soft-deleted session %s still returned by default ListSessions", id)
		}
	}

	still, err := s.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if still == nil || still.Status != models.SessionDeleted {
		t.Errorf("soft-deleted session should still be readable directly by id")
	}
}

func testHardDeleteCascades(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := models.NewSessionID()
	if _, err := s.CreateSession(ctx, id, "user-3", "t"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := s.AppendMessage(ctx, id, models.MessageUser, "hi", nil); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if _, err := s.LogToolExecution(ctx, id, &models.ToolExecution{ToolName: "calculator", Input: []byte(`{}`)}); err != nil {
		t.Fatalf("LogToolExecution: %v", err)
	}

	if err := s.HardDeleteSession(ctx, id); err != nil {
		t.Fatalf("HardDeleteSession: %v", err)
	}

	sess, err := s.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess != nil {
		t.Errorf("session %s still present after hard delete", id)
	}
}

func testToolExecutionLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := models.NewSessionID()
	if _, err := s.CreateSession(ctx, id, "user-4", "t"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	execID, err := s.LogToolExecution(ctx, id, &models.ToolExecution{ToolName: "calculator", Input: []byte(`{"expr":"1+1"}`)})
	if err != nil {
		t.Fatalf("LogToolExecution: %v", err)
	}

	out := []byte(`{"result":2}`)
	err = s.UpdateToolExecution(ctx, execID, store.ToolExecutionPatch{
		Status:      models.ToolExecutionSuccess,
		Output:      &out,
		CompletedAt: time.Now().UTC(),
		DurationMs:  5,
	})
	if err != nil {
		t.Fatalf("UpdateToolExecution: %v", err)
	}
}

func testAbandonPending(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := models.NewSessionID()
	if _, err := s.CreateSession(ctx, id, "user-5", "t"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	pendingID, err := s.LogToolExecution(ctx, id, &models.ToolExecution{ToolName: "web_search", Input: []byte(`{}`)})
	if err != nil {
		t.Fatalf("LogToolExecution (pending): %v", err)
	}
	doneID, err := s.LogToolExecution(ctx, id, &models.ToolExecution{ToolName: "calculator", Input: []byte(`{}`)})
	if err != nil {
		t.Fatalf("LogToolExecution (done): %v", err)
	}
	out := []byte(`{}`)
	if err := s.UpdateToolExecution(ctx, doneID, store.ToolExecutionPatch{Status: models.ToolExecutionSuccess, Output: &out, CompletedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("UpdateToolExecution: %v", err)
	}

	n, err := s.AbandonPendingToolExecutions(ctx)
	if err != nil {
		t.Fatalf("AbandonPendingToolExecutions: %v", err)
	}
	if n != 1 {
		t.Errorf("abandoned %d tool executions, want exactly 1 (pendingID=%d, doneID=%d already terminal)", n, pendingID, doneID)
	}
}
