package lock

import (
	"minidb/pkg/types"
	"sync"
	"testing"
	"time"
)

// testTxn is a minimal Transaction for exercising the lock table and
// context tree without depending on internal/txn. Block/Unblock implement
// semaphore semantics (a buffered channel of capacity 1): an Unblock that
// arrives before the matching Block is absorbed rather than lost.
type testTxn struct {
	id  types.TxnID
	sem chan struct{}
}

func newTestTxn(id types.TxnID) *testTxn {
	return &testTxn{id: id, sem: make(chan struct{}, 1)}
}

func (t *testTxn) TransNum() types.TxnID { return t.id }
func (t *testTxn) PrepareBlock()         {}
func (t *testTxn) Block()                { <-t.sem }
func (t *testTxn) Unblock() {
	select {
	case t.sem <- struct{}{}:
	default:
	}
}

func mustAcquire(t *testing.T, tbl *Table, tx Transaction, r ResourceName, m Mode) {
	t.Helper()
	if err := tbl.Acquire(tx, r, m); err != nil {
		t.Fatalf("Acquire(%v, %v) error = %v", tx.TransNum(), m, err)
	}
}

func TestModeCompatibilityTable(t *testing.T) {
	tests := []struct {
		held, req Mode
		want      bool
	}{
		{NL, X, true}, {IS, X, false}, {IX, S, false}, {IX, IS, true},
		{S, IX, false}, {S, S, true}, {SIX, IS, true}, {SIX, IX, false},
		{X, NL, true}, {X, IS, false},
	}
	for _, tt := range tests {
		if got := Compatible(tt.held, tt.req); got != tt.want {
			t.Errorf("Compatible(%v,%v) = %v, want %v", tt.held, tt.req, got, tt.want)
		}
	}
}

func TestModeSubstitutableTable(t *testing.T) {
	tests := []struct {
		hold, need Mode
		want       bool
	}{
		{X, S}, {X, X}, {X, IS}, {SIX, S}, {SIX, IX},
		{S, S}, {IS, IS}, {IX, IX}, {IX, IS},
	}
	for _, tt := range tests {
		if !Substitutable(tt.hold, tt.need) {
			t.Errorf("Substitutable(%v,%v) = false, want true", tt.hold, tt.need)
		}
	}
	negatives := []struct{ hold, need Mode }{
		{S, X}, {IS, S}, {IX, S}, {NL, S}, {S, IX},
	}
	for _, tt := range negatives {
		if Substitutable(tt.hold, tt.need) {
			t.Errorf("Substitutable(%v,%v) = true, want false", tt.hold, tt.need)
		}
	}
}

func TestParentLockOf(t *testing.T) {
	tests := []struct {
		child, want Mode
	}{
		{S, IS}, {IS, IS}, {X, IX}, {IX, IX}, {SIX, IX}, {NL, NL},
	}
	for _, tt := range tests {
		if got := ParentLockOf(tt.child); got != tt.want {
			t.Errorf("ParentLockOf(%v) = %v, want %v", tt.child, got, tt.want)
		}
	}
}

func TestResourceNameHierarchy(t *testing.T) {
	db := NewDatabaseResource("db")
	table := db.Table("t1")
	page := table.Page("p1")

	if !page.IsDescendantOf(db) || !page.IsDescendantOf(table) || !page.IsDescendantOf(page) {
		t.Error("page should be a descendant of db, table, and itself")
	}
	if db.IsDescendantOf(table) {
		t.Error("db should not be a descendant of table")
	}

	parent, ok := page.Parent()
	if !ok || !parent.Equal(table) {
		t.Errorf("page.Parent() = %v, want %v", parent, table)
	}
	if _, ok := db.Parent(); ok {
		t.Error("root resource should have no parent")
	}
}

func TestTableAcquireDuplicate(t *testing.T) {
	tbl := NewTable()
	r := NewDatabaseResource("db")
	tx := newTestTxn(1)

	mustAcquire(t, tbl, tx, r, S)
	if err := tbl.Acquire(tx, r, S); err != ErrDuplicateLockRequest {
		t.Errorf("second Acquire error = %v, want ErrDuplicateLockRequest", err)
	}
}

func TestTableReleaseNoLockHeld(t *testing.T) {
	tbl := NewTable()
	r := NewDatabaseResource("db")
	tx := newTestTxn(1)

	if err := tbl.Release(tx, r); err != ErrNoLockHeld {
		t.Errorf("Release on unheld resource error = %v, want ErrNoLockHeld", err)
	}
}

func TestTableCompatibleGrantsImmediately(t *testing.T) {
	tbl := NewTable()
	r := NewDatabaseResource("db")
	tx1, tx2 := newTestTxn(1), newTestTxn(2)

	mustAcquire(t, tbl, tx1, r, IS)
	mustAcquire(t, tbl, tx2, r, IS)

	if m := tbl.ModeHeldBy(tx1.TransNum(), r); m != IS {
		t.Errorf("tx1 mode = %v, want IS", m)
	}
	if m := tbl.ModeHeldBy(tx2.TransNum(), r); m != IS {
		t.Errorf("tx2 mode = %v, want IS", m)
	}
}

// TestFIFOStrictQueueDrainage exercises the "queue = [S(A) by T1, X(A) by T2, S(A) by
// T3], drain on release grants only the first; T2 blocks further
// progress" rule.
func TestFIFOStrictQueueDrainage(t *testing.T) {
	tbl := NewTable()
	r := NewDatabaseResource("db")
	holder, t1, t2, t3 := newTestTxn(1), newTestTxn(2), newTestTxn(3), newTestTxn(4)

	mustAcquire(t, tbl, holder, r, X)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); tbl.Acquire(t1, r, S) }()
	waitQueued(t, tbl, r, 1)
	go func() { defer wg.Done(); tbl.Acquire(t2, r, X) }()
	waitQueued(t, tbl, r, 2)
	go func() { defer wg.Done(); tbl.Acquire(t3, r, S) }()
	waitQueued(t, tbl, r, 3)

	if err := tbl.Release(holder, r); err != nil {
		t.Fatalf("Release error = %v", err)
	}

	// Only T1 should be granted; T2 (X) blocks T3 (S) behind it even
	// though S and S are compatible with each other.
	waitGranted(t, tbl, t1.TransNum(), r)
	time.Sleep(20 * time.Millisecond)
	if m := tbl.ModeHeldBy(t2.TransNum(), r); m != NL {
		t.Errorf("t2 mode = %v, want NL (still queued behind T1's S)", m)
	}
	if m := tbl.ModeHeldBy(t3.TransNum(), r); m != NL {
		t.Errorf("t3 mode = %v, want NL (blocked behind T2 despite compatibility with T1)", m)
	}

	if err := tbl.Release(t1, r); err != nil {
		t.Fatalf("Release t1 error = %v", err)
	}
	waitGranted(t, tbl, t2.TransNum(), r)
	if m := tbl.ModeHeldBy(t3.TransNum(), r); m != NL {
		t.Errorf("t3 mode = %v, want NL (T2 holds X)", m)
	}

	if err := tbl.Release(t2, r); err != nil {
		t.Fatalf("Release t2 error = %v", err)
	}
	waitGranted(t, tbl, t3.TransNum(), r)

	wg.Wait()
}

func waitQueued(t *testing.T, tbl *Table, r ResourceName, wantLen int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		tbl.mu.Lock()
		n := len(tbl.entry(r).waiters)
		tbl.mu.Unlock()
		if n >= wantLen {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d waiters on %v", wantLen, r)
}

func waitGranted(t *testing.T, tbl *Table, tx types.TxnID, r ResourceName) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if tbl.ModeHeldBy(tx, r) != NL {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %v to be granted on %v", tx, r)
}

func TestAcquireAndReleaseDuplicateAndNoLockHeld(t *testing.T) {
	tbl := NewTable()
	r := NewDatabaseResource("db")
	other := NewDatabaseResource("other")
	tx := newTestTxn(1)

	mustAcquire(t, tbl, tx, r, S)
	if err := tbl.AcquireAndRelease(tx, r, X, nil); err != ErrDuplicateLockRequest {
		t.Errorf("error = %v, want ErrDuplicateLockRequest", err)
	}
	if err := tbl.AcquireAndRelease(tx, other, X, []ResourceName{r, other}); err != ErrNoLockHeld {
		t.Errorf("error = %v, want ErrNoLockHeld (other not held)", err)
	}
}

func TestAcquireAndReleaseUpgradeInPlace(t *testing.T) {
	tbl := NewTable()
	r := NewDatabaseResource("db")
	tx := newTestTxn(1)

	mustAcquire(t, tbl, tx, r, IS)
	if err := tbl.AcquireAndRelease(tx, r, X, []ResourceName{r}); err != nil {
		t.Fatalf("AcquireAndRelease error = %v", err)
	}
	if m := tbl.ModeHeldBy(tx.TransNum(), r); m != X {
		t.Errorf("mode = %v, want X", m)
	}
	locks := tbl.LocksOn(r)
	if len(locks) != 1 {
		t.Fatalf("locks on r = %d, want 1", len(locks))
	}
}

func TestPromoteInvalidAndDuplicate(t *testing.T) {
	tbl := NewTable()
	r := NewDatabaseResource("db")
	tx := newTestTxn(1)

	mustAcquire(t, tbl, tx, r, S)
	if err := tbl.Promote(tx, r, S); err != ErrDuplicateLockRequest {
		t.Errorf("error = %v, want ErrDuplicateLockRequest", err)
	}
	if err := tbl.Promote(tx, r, IS); err != ErrInvalidLock {
		t.Errorf("error = %v, want ErrInvalidLock (S does not substitute to IS)", err)
	}
}

// TestSIXPromotionWithCleanup: T holds IX(db), IS(table), S(page1),
// IS(page2). promote(table, SIX) should atomically
// release S(page1) and IS(page2), install SIX(table), drop table's
// numChildLocks by 2 and leave db's unchanged.
func TestSIXPromotionWithCleanup(t *testing.T) {
	tbl := NewTable()
	root := NewRoot(tbl, NewDatabaseResource("db"))
	table := root.Child("t1")
	page1 := table.Child("p1")
	page2 := table.Child("p2")
	tx := newTestTxn(1)

	mustCtxAcquire(t, root, tx, IX)
	mustCtxAcquire(t, table, tx, IS)
	mustCtxAcquire(t, page1, tx, S)
	mustCtxAcquire(t, page2, tx, IS)

	if n := table.NumChildLocks(tx.TransNum()); n != 2 {
		t.Fatalf("table numChildLocks = %d, want 2 before promote", n)
	}
	if n := root.NumChildLocks(tx.TransNum()); n != 1 {
		t.Fatalf("db numChildLocks = %d, want 1 before promote", n)
	}

	if err := table.Promote(tx, SIX); err != nil {
		t.Fatalf("Promote(SIX) error = %v", err)
	}

	if m := tbl.ModeHeldBy(tx.TransNum(), table.Name()); m != SIX {
		t.Errorf("table mode = %v, want SIX", m)
	}
	if m := tbl.ModeHeldBy(tx.TransNum(), page1.Name()); m != NL {
		t.Errorf("page1 mode = %v, want NL (released)", m)
	}
	if m := tbl.ModeHeldBy(tx.TransNum(), page2.Name()); m != NL {
		t.Errorf("page2 mode = %v, want NL (released)", m)
	}
	if n := table.NumChildLocks(tx.TransNum()); n != 0 {
		t.Errorf("table numChildLocks after promote = %d, want 0 (dropped by 2)", n)
	}
	if n := root.NumChildLocks(tx.TransNum()); n != 1 {
		t.Errorf("db numChildLocks after promote = %d, want 1 (unchanged)", n)
	}
}

// TestEscalation exercises escalating a mix of descendant locks to a
// single X at the table.
func TestEscalation(t *testing.T) {
	tbl := NewTable()
	root := NewRoot(tbl, NewDatabaseResource("db"))
	table := root.Child("t1")
	p1, p2, p3 := table.Child("p1"), table.Child("p2"), table.Child("p3")
	tx := newTestTxn(1)

	mustCtxAcquire(t, root, tx, IX)
	mustCtxAcquire(t, table, tx, IX)
	mustCtxAcquire(t, p1, tx, S)
	mustCtxAcquire(t, p3, tx, X)
	mustCtxAcquire(t, p2, tx, IS)

	if err := table.Escalate(tx); err != nil {
		t.Fatalf("Escalate error = %v", err)
	}
	if m := table.Held(tx); m != X {
		t.Errorf("table mode after escalate = %v, want X (descendant held X)", m)
	}
	for _, p := range []*Context{p1, p2, p3} {
		if m := p.Held(tx); m != NL {
			t.Errorf("%v mode after escalate = %v, want NL", p.Name(), m)
		}
	}
}

func mustCtxAcquire(t *testing.T, c *Context, tx Transaction, m Mode) {
	t.Helper()
	if err := c.Acquire(tx, m); err != nil {
		t.Fatalf("Context.Acquire(%v, %v) on %v error = %v", tx.TransNum(), m, c.Name(), err)
	}
}

func TestReleaseForbiddenWithChildLocks(t *testing.T) {
	tbl := NewTable()
	root := NewRoot(tbl, NewDatabaseResource("db"))
	table := root.Child("t1")
	page := table.Child("p1")
	tx := newTestTxn(1)

	mustCtxAcquire(t, root, tx, IX)
	mustCtxAcquire(t, table, tx, IX)
	mustCtxAcquire(t, page, tx, S)

	if err := table.Release(tx); err != ErrInvalidLock {
		t.Errorf("Release with held child error = %v, want ErrInvalidLock", err)
	}

	if err := page.Release(tx); err != nil {
		t.Fatalf("page.Release error = %v", err)
	}
	if err := table.Release(tx); err != nil {
		t.Errorf("table.Release after child released error = %v", err)
	}
}

func TestEffectiveModeFromAncestor(t *testing.T) {
	tbl := NewTable()
	root := NewRoot(tbl, NewDatabaseResource("db"))
	table := root.Child("t1")
	page := table.Child("p1")
	tx := newTestTxn(1)

	mustCtxAcquire(t, root, tx, X)
	if m := page.EffectiveMode(tx.TransNum()); m != X {
		t.Errorf("page effective mode = %v, want X (inherited)", m)
	}

	root2 := NewRoot(tbl, NewDatabaseResource("db2"))
	table2 := root2.Child("t1")
	page2 := table2.Child("p1")
	mustCtxAcquire(t, root2, tx, IX)
	if m := page2.EffectiveMode(tx.TransNum()); m != NL {
		t.Errorf("page2 effective mode = %v, want NL (intent ancestor grants nothing)", m)
	}
}

func TestEnsureSufficientUpgradeToSIX(t *testing.T) {
	tbl := NewTable()
	root := NewRoot(tbl, NewDatabaseResource("db"))
	table := root.Child("t1")
	tx := newTestTxn(1)
	f := NewFacade()

	mustCtxAcquire(t, root, tx, IX)
	mustCtxAcquire(t, table, tx, IX)

	if err := f.EnsureSufficient(tx, table, S); err != nil {
		t.Fatalf("EnsureSufficient error = %v", err)
	}
	if m := table.Held(tx); m != SIX {
		t.Errorf("table mode = %v, want SIX", m)
	}
	if !Substitutable(table.EffectiveMode(tx.TransNum()), S) {
		t.Error("effective mode should substitute S after EnsureSufficient")
	}
}

func TestEnsureSufficientAcquiresAncestorIntentLocks(t *testing.T) {
	tbl := NewTable()
	root := NewRoot(tbl, NewDatabaseResource("db"))
	table := root.Child("t1")
	page := table.Child("p1")
	tx := newTestTxn(1)
	f := NewFacade()

	if err := f.EnsureSufficient(tx, page, X); err != nil {
		t.Fatalf("EnsureSufficient error = %v", err)
	}
	if m := root.Held(tx); m != IX {
		t.Errorf("db mode = %v, want IX", m)
	}
	if m := table.Held(tx); m != IX {
		t.Errorf("table mode = %v, want IX", m)
	}
	if m := page.Held(tx); m != X {
		t.Errorf("page mode = %v, want X", m)
	}
}

func TestEnsureSufficientNoopWhenAlreadySufficient(t *testing.T) {
	tbl := NewTable()
	root := NewRoot(tbl, NewDatabaseResource("db"))
	tx := newTestTxn(1)
	f := NewFacade()

	mustCtxAcquire(t, root, tx, X)
	if err := f.EnsureSufficient(tx, root, S); err != nil {
		t.Fatalf("EnsureSufficient error = %v", err)
	}
	if m := root.Held(tx); m != X {
		t.Errorf("mode changed to %v, want unchanged X", m)
	}
}
