package tree

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/Iron-Ham/reqtree/internal/errors"
	"github.com/Iron-Ham/reqtree/internal/event"
	"github.com/Iron-Ham/reqtree/internal/logging"
	"github.com/Iron-Ham/reqtree/internal/requirement"
	"github.com/Iron-Ham/reqtree/internal/retry"
	"github.com/Iron-Ham/reqtree/internal/validation"
)

// fakeService answers validate calls from a table keyed by node ID and
// records every dispatch.
type fakeService struct {
	mu      sync.Mutex
	results map[string]requirement.NodeResult
	errs    map[string]error
	calls   map[string]int
	order   []string
	hook    func(ctx context.Context, node requirement.Node)
}

func newFakeService() *fakeService {
	return &fakeService{
		results: make(map[string]requirement.NodeResult),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (f *fakeService) set(id string, score float64, children ...string) {
	f.results[id] = requirement.NodeResult{
		NodeID:          id,
		Passed:          score >= 0.7,
		Score:           score,
		FinalText:       "fixed " + id,
		SplitOccurred:   len(children) > 0,
		SplitChildTexts: children,
	}
}

func (f *fakeService) Validate(ctx context.Context, node requirement.Node, _ string, _ float64, _ int) (requirement.NodeResult, error) {
	f.mu.Lock()
	f.calls[node.ID]++
	f.order = append(f.order, node.ID)
	res, ok := f.results[node.ID]
	err := f.errs[node.ID]
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		hook(ctx, node)
	}
	if ctx.Err() != nil {
		return requirement.NodeResult{}, errors.NewCancelledError(node.ID, ctx.Err())
	}
	if err != nil {
		return requirement.NodeResult{}, err
	}
	if !ok {
		return requirement.NodeResult{NodeID: node.ID, Passed: true, Score: 1, FinalText: node.Text}, nil
	}
	return res, nil
}

func (f *fakeService) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeService) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}

func resultIDs(results []requirement.NodeResult) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.NodeID
	}
	return ids
}

func newTestValidator(svc *fakeService, buf *bytes.Buffer, opts ...Option) *Validator {
	logger := logging.NopLogger()
	if buf != nil {
		logger = logging.NewLoggerWithWriter(buf, logging.LevelDebug)
	}
	base := []Option{WithSessionID("sess-1"), WithThreshold(0.7), WithMaxDepth(5), WithLogger(logger)}
	return New(svc, append(base, opts...)...)
}

func findEntry(t *testing.T, buf *bytes.Buffer, msg string) (logging.Entry, bool) {
	t.Helper()
	entries, err := logging.ReadEntries(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("ReadEntries failed: %v", err)
	}
	for _, e := range entries {
		if e.Message == msg {
			return e, true
		}
	}
	return logging.Entry{}, false
}

func TestNew_PanicsOnNilClient(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("New(nil) should panic")
		}
	}()
	New(nil)
}

func TestValidateTree_NoSplit(t *testing.T) {
	svc := newFakeService()
	svc.set("REQ-001", 0.9)
	v := newTestValidator(svc, nil)

	out := v.ValidateTree(context.Background(), requirement.NewRoot("REQ-001", "The system shall log in users", ""))

	if diff := cmp.Diff([]requirement.NodeResult{svc.results["REQ-001"]}, out.Results); diff != "" {
		t.Errorf("Results mismatch (-want +got):\n%s", diff)
	}
	if out.Dispatched != 1 || out.Splits != 0 {
		t.Errorf("Dispatched = %d Splits = %d, want 1 0", out.Dispatched, out.Splits)
	}
}

func TestValidateTree_PrunesFailingChildren(t *testing.T) {
	svc := newFakeService()
	svc.set("REQ-001", 0.5, "a", "b", "c")
	svc.set("REQ-001.1", 0.8)
	svc.set("REQ-001.2", 0.75)
	svc.set("REQ-001.3", 0.4)

	var buf bytes.Buffer
	bus := event.NewBus()
	var pruned []event.NodePrunedEvent
	var mu sync.Mutex
	bus.Subscribe(event.TypeNodePruned, func(e event.Event) {
		mu.Lock()
		defer mu.Unlock()
		pruned = append(pruned, e.(event.NodePrunedEvent))
	})

	v := newTestValidator(svc, &buf, WithBus(bus))
	out := v.ValidateTree(context.Background(), requirement.NewRoot("REQ-001", "compound", ""))

	if diff := cmp.Diff([]string{"REQ-001.1", "REQ-001.2"}, resultIDs(out.Results)); diff != "" {
		t.Errorf("accepted IDs mismatch (-want +got):\n%s", diff)
	}
	if out.Pruned != 1 || out.Splits != 1 || out.Dispatched != 4 {
		t.Errorf("Pruned = %d Splits = %d Dispatched = %d, want 1 1 4", out.Pruned, out.Splits, out.Dispatched)
	}

	entry, ok := findEntry(t, &buf, "auto-pruned branches")
	if !ok {
		t.Fatal("expected an auto-pruned branches log record")
	}
	if n, _ := entry.Int("pruned"); n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	if n, _ := entry.Int("kept"); n != 2 {
		t.Errorf("kept = %d, want 2", n)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(pruned) != 1 || pruned[0].Pruned != 1 || pruned[0].Kept != 2 {
		t.Errorf("pruned events = %+v, want one with Pruned=1 Kept=2", pruned)
	}
}

func TestValidateTree_AllChildrenFailKeepsParent(t *testing.T) {
	svc := newFakeService()
	svc.set("REQ-001", 0.55, "a", "b", "c")
	svc.set("REQ-001.1", 0.3)
	svc.set("REQ-001.2", 0.6)
	svc.set("REQ-001.3", 0.69)

	var buf bytes.Buffer
	v := newTestValidator(svc, &buf)
	out := v.ValidateTree(context.Background(), requirement.NewRoot("REQ-001", "compound", ""))

	if diff := cmp.Diff([]requirement.NodeResult{svc.results["REQ-001"]}, out.Results); diff != "" {
		t.Errorf("Results mismatch (-want +got):\n%s", diff)
	}
	if out.Fallbacks != 1 {
		t.Errorf("Fallbacks = %d, want 1", out.Fallbacks)
	}
	if _, ok := findEntry(t, &buf, "all split children failed, keeping original result"); !ok {
		t.Error("expected a fallback warning")
	}
}

func TestValidateTree_DepthCap(t *testing.T) {
	svc := newFakeService()
	svc.set("REQ-001", 0.9, "a", "b")

	var buf bytes.Buffer
	v := newTestValidator(svc, &buf)
	out := v.ValidateTreeWithDepth(context.Background(), requirement.NewRoot("REQ-001", "x", ""), 5, 5)

	if len(out.Results) != 0 {
		t.Errorf("Results = %v, want empty", out.Results)
	}
	if svc.totalCalls() != 0 {
		t.Errorf("validate calls = %d, want 0", svc.totalCalls())
	}
	if out.DepthDropped != 1 {
		t.Errorf("DepthDropped = %d, want 1", out.DepthDropped)
	}
	entry, ok := findEntry(t, &buf, "depth limit reached")
	if !ok {
		t.Fatal("expected a depth limit warning")
	}
	if entry.Level != logging.LevelWarn {
		t.Errorf("level = %q, want %q", entry.Level, logging.LevelWarn)
	}
}

func TestValidateTree_DepthCapStopsRecursion(t *testing.T) {
	svc := newFakeService()
	svc.set("REQ-001", 0.9, "a", "b")
	svc.set("REQ-001.1", 0.9, "c")
	svc.set("REQ-001.2", 0.9)

	v := newTestValidator(svc, nil, WithMaxDepth(2))
	out := v.ValidateTree(context.Background(), requirement.NewRoot("REQ-001", "x", ""))

	if svc.callCount("REQ-001.1.1") != 0 {
		t.Error("node beyond the depth cap must not be dispatched")
	}
	if out.DepthDropped != 1 {
		t.Errorf("DepthDropped = %d, want 1", out.DepthDropped)
	}
	// REQ-001.1 split into children that were all dropped, so only
	// REQ-001.2 survives the prune.
	if diff := cmp.Diff([]string{"REQ-001.2"}, resultIDs(out.Results)); diff != "" {
		t.Errorf("accepted IDs mismatch (-want +got):\n%s", diff)
	}
}

func TestValidateTree_ServiceErrorDegradesToFailure(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantLevel string
	}{
		{"service", errors.NewServiceError("validate call failed", nil).WithStatusCode(502), "ERROR"},
		{"transport", errors.NewTransportError("connection refused", nil), "WARN"},
		{"timeout", errors.NewTimeoutError("POST /api/validate", time.Second), "WARN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeService()
			svc.errs["REQ-001"] = tt.err
			bus := event.NewBus()
			var failed int
			bus.Subscribe(event.TypeNodeFailed, func(event.Event) { failed++ })

			var buf bytes.Buffer
			v := newTestValidator(svc, &buf, WithBus(bus))
			node := requirement.NewRoot("REQ-001", "original text", "")
			out := v.ValidateTree(context.Background(), node)

			if e, ok := findEntry(t, &buf, "validate call failed"); !ok || e.Level != tt.wantLevel {
				t.Errorf("validate call failed entry = %+v (found %v), want level %s", e, ok, tt.wantLevel)
			}

			want := []requirement.NodeResult{{NodeID: "REQ-001", Passed: false, Score: 0, FinalText: "original text"}}
			if diff := cmp.Diff(want, out.Results); diff != "" {
				t.Errorf("Results mismatch (-want +got):\n%s", diff)
			}
			if out.Failures != 1 || failed != 1 {
				t.Errorf("Failures = %d events = %d, want 1 1", out.Failures, failed)
			}
		})
	}
}

func TestValidateTree_EmptySplitIsPlainResult(t *testing.T) {
	svc := newFakeService()
	svc.results["REQ-001"] = requirement.NodeResult{NodeID: "REQ-001", Score: 0.4, SplitOccurred: true}

	v := newTestValidator(svc, nil)
	out := v.ValidateTree(context.Background(), requirement.NewRoot("REQ-001", "x", ""))

	if len(out.Results) != 1 || out.Results[0].NodeID != "REQ-001" {
		t.Errorf("Results = %v, want the node's own result", out.Results)
	}
	if out.Splits != 0 || svc.totalCalls() != 1 {
		t.Errorf("Splits = %d calls = %d, want 0 1", out.Splits, svc.totalCalls())
	}
}

func TestValidateTree_ChildrenDispatchedConcurrently(t *testing.T) {
	svc := newFakeService()
	svc.set("REQ-001", 0.5, "a", "b", "c")

	var started sync.WaitGroup
	started.Add(3)
	allStarted := make(chan struct{})
	go func() {
		started.Wait()
		close(allStarted)
	}()

	svc.hook = func(ctx context.Context, node requirement.Node) {
		if !node.IsSplitChild {
			return
		}
		started.Done()
		// Each child blocks until all siblings are in flight, which only
		// happens if none is awaited before the others are dispatched.
		select {
		case <-allStarted:
		case <-time.After(2 * time.Second):
		}
	}

	v := newTestValidator(svc, nil)
	done := make(chan Outcome, 1)
	go func() { done <- v.ValidateTree(context.Background(), requirement.NewRoot("REQ-001", "x", "")) }()

	select {
	case <-allStarted:
	case <-time.After(time.Second):
		t.Fatal("children were not dispatched concurrently")
	}
	out := <-done
	if len(out.Results) != 3 {
		t.Errorf("len(Results) = %d, want 3", len(out.Results))
	}
}

func TestValidateTree_ExactlyOnceDispatch(t *testing.T) {
	svc := newFakeService()
	svc.set("REQ-001", 0.9)

	ledger := NewLedger()
	v := newTestValidator(svc, nil, WithLedger(ledger))
	node := requirement.NewRoot("REQ-001", "x", "")

	first := v.ValidateTree(context.Background(), node)
	second := v.ValidateTree(context.Background(), node)

	if svc.callCount("REQ-001") != 1 {
		t.Errorf("calls = %d, want 1", svc.callCount("REQ-001"))
	}
	if len(first.Results) != 1 || len(second.Results) != 0 {
		t.Errorf("results = %d/%d, want 1/0", len(first.Results), len(second.Results))
	}
	if !ledger.Dispatched("REQ-001") || ledger.Len() != 1 {
		t.Errorf("ledger = %d entries, want REQ-001 only", ledger.Len())
	}
}

func TestValidateTree_RetriedCallIsOneDispatch(t *testing.T) {
	svc := newFakeService()
	svc.set("REQ-001", 0.9)

	var failed atomic.Bool
	flaky := validation.ValidatorFunc(func(ctx context.Context, n requirement.Node, sessionID string, threshold float64, maxIterations int) (requirement.NodeResult, error) {
		if failed.CompareAndSwap(false, true) {
			return requirement.NodeResult{}, errors.NewTransportError("connection reset", nil).WithNodeID(n.ID)
		}
		return svc.Validate(ctx, n, sessionID, threshold, maxIterations)
	})
	retries := retry.NewManager()
	policy := retry.Policy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}

	ledger := NewLedger()
	v := New(validation.NewRetrying(flaky, policy, retries, nil), WithSessionID("sess-1"), WithThreshold(0.7), WithMaxDepth(5), WithLedger(ledger))
	out := v.ValidateTree(context.Background(), requirement.NewRoot("REQ-001", "x", ""))

	if out.Dispatched != 1 || ledger.Len() != 1 {
		t.Errorf("Dispatched = %d ledger = %d, want 1 1", out.Dispatched, ledger.Len())
	}
	if len(out.Results) != 1 || !out.Results[0].Passed {
		t.Errorf("Results = %+v, want one passing result", out.Results)
	}
	st, ok := retries.GetState("REQ-001")
	if !ok || st.Attempts != 2 || !st.Succeeded {
		t.Errorf("retry state = %+v, want 2 attempts and success", st)
	}
}

func TestValidateTree_DeepTreeDispatchesEachNodeOnce(t *testing.T) {
	svc := newFakeService()
	svc.set("R", 0.5, "a", "b")
	svc.set("R.1", 0.5, "c", "d")
	svc.set("R.2", 0.5, "e", "f")
	svc.set("R.1.1", 0.9)
	svc.set("R.1.2", 0.2)
	svc.set("R.2.1", 0.1)
	svc.set("R.2.2", 0.8)

	v := newTestValidator(svc, nil)
	out := v.ValidateTree(context.Background(), requirement.NewRoot("R", "x", ""))

	for id, n := range svc.calls {
		if n != 1 {
			t.Errorf("node %s dispatched %d times, want 1", id, n)
		}
	}
	if diff := cmp.Diff([]string{"R.1.1", "R.2.2"}, resultIDs(out.Results)); diff != "" {
		t.Errorf("accepted IDs mismatch (-want +got):\n%s", diff)
	}
	if out.Dispatched != 7 || out.Splits != 3 || out.Pruned != 2 {
		t.Errorf("Dispatched = %d Splits = %d Pruned = %d, want 7 3 2", out.Dispatched, out.Splits, out.Pruned)
	}
}

func TestValidateTree_NodeBudget(t *testing.T) {
	svc := newFakeService()
	svc.set("REQ-001", 0.5, "a", "b", "c")

	v := newTestValidator(svc, nil, WithMaxNodes(2))
	out := v.ValidateTree(context.Background(), requirement.NewRoot("REQ-001", "x", ""))

	if out.Dispatched != 2 {
		t.Errorf("Dispatched = %d, want 2", out.Dispatched)
	}
	if out.BudgetDrops != 2 {
		t.Errorf("BudgetDrops = %d, want 2", out.BudgetDrops)
	}
	if svc.totalCalls() != 2 {
		t.Errorf("validate calls = %d, want 2", svc.totalCalls())
	}
}

func TestValidateTree_CancelledBeforeDispatch(t *testing.T) {
	svc := newFakeService()
	v := newTestValidator(svc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := v.ValidateTree(ctx, requirement.NewRoot("REQ-001", "x", ""))

	if !out.Cancelled || len(out.Results) != 0 {
		t.Errorf("Cancelled = %v Results = %v, want true and empty", out.Cancelled, out.Results)
	}
	if svc.totalCalls() != 0 {
		t.Errorf("validate calls = %d, want 0", svc.totalCalls())
	}
}

func TestValidateTree_CancelledMidTree(t *testing.T) {
	svc := newFakeService()
	svc.set("REQ-001", 0.5, "a", "b")

	ctx, cancel := context.WithCancel(context.Background())
	svc.hook = func(_ context.Context, node requirement.Node) {
		if node.IsSplitChild {
			cancel()
		}
	}

	v := newTestValidator(svc, nil)
	out := v.ValidateTree(ctx, requirement.NewRoot("REQ-001", "x", ""))

	if !out.Cancelled {
		t.Error("Cancelled = false, want true")
	}
	if len(out.Results) != 0 {
		t.Errorf("Results = %v, want empty after cancellation", out.Results)
	}
}
