package blockpool

import "testing"

func TestRegionTablePublishAndResolve(t *testing.T) {
	var table regionTable

	table.publish(Region{start: 1000, size: 100, id: 1, class: 0})
	table.publish(Region{start: 2000, size: 200, id: 2, class: 1})

	if table.len() != 2 {
		t.Fatalf("len() = %d, want 2", table.len())
	}

	r := table.resolve(2050)
	if r == nil || r.id != 2 {
		t.Fatalf("resolve(2050) = %v, want region id 2", r)
	}

	if table.resolve(999) != nil {
		t.Fatalf("resolve(999) should miss every region")
	}

	if table.resolve(1100) != nil {
		t.Fatalf("resolve(1100) should miss: outside region 1's bounds")
	}
}
