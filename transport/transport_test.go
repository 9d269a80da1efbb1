package transport

import (
	"testing"

	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/fraunhofer-iais/dlsync/nodeid"
	"github.com/fraunhofer-iais/dlsync/wire"
)

func TestExchangeNamesAreNamespacedByRunId(t *testing.T) {
	if got, want := CoordinatorExchange("r1"), "coordinatorr1"; got != want {
		t.Errorf("CoordinatorExchange = %q, want %q", got, want)
	}
	if got, want := NodesExchange("r1"), "nodesr1"; got != want {
		t.Errorf("NodesExchange = %q, want %q", got, want)
	}
}

func TestIsDuplicateDetectsRepeatedBody(t *testing.T) {
	dedup := cuckoo.NewFilter(1024)
	body := []byte("payload")
	if isDuplicate(dedup, body) {
		t.Fatal("first delivery reported as duplicate")
	}
	if !isDuplicate(dedup, body) {
		t.Fatal("second identical delivery not reported as duplicate")
	}
	if isDuplicate(dedup, []byte("other payload")) {
		t.Fatal("distinct body reported as duplicate")
	}
}

func TestRoutingKeyHelpers(t *testing.T) {
	id := nodeid.NodeId("worker-7")
	if got, want := wire.RequestKey(id), "request.worker-7"; got != want {
		t.Errorf("request key = %q, want %q", got, want)
	}
	if got, want := wire.ExitKey(id), "exit.worker-7"; got != want {
		t.Errorf("exit key = %q, want %q", got, want)
	}
	if got, want := wire.NewModelKey([]nodeid.NodeId{"a", "b"}), "newModel.a.b"; got != want {
		t.Errorf("newModel key = %q, want %q", got, want)
	}
}
