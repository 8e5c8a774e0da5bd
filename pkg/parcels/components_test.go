package parcels

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"froiparcels/internal/models"
)

func TestOffsets(t *testing.T) {
	for conn, want := range map[int]int{6: 6, 18: 18, 26: 26} {
		offs, err := offsets(conn)
		if err != nil {
			t.Fatalf("offsets(%d): %v", conn, err)
		}
		if len(offs) != want {
			t.Errorf("Expected %d offsets for %d-connectivity, got %d", want, conn, len(offs))
		}
	}
	if _, err := offsets(4); err == nil {
		t.Error("Expected error for 4-connectivity")
	}
}

func TestComponents(t *testing.T) {
	g := models.NewGrid(4, 4, 1, nil)
	mask := make([]bool, g.Len())
	// an L shape, a diagonal pair and an isolated voxel
	for _, xy := range [][2]int{{0, 0}, {1, 0}, {0, 1}, {3, 0}, {2, 2}, {3, 3}, {0, 3}} {
		mask[g.Index(xy[0], xy[1], 0)] = true
	}

	offs6, _ := offsets(6)
	got := components(neighborhood{grid: g, offsets: offs6}, mask)
	want := [][]int{{0, 1, 4}, {3}, {10}, {12}, {15}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("6-connected components mismatch (-want +got):\n%s", diff)
	}

	offs26, _ := offsets(26)
	got = components(neighborhood{grid: g, offsets: offs26}, mask)
	want = [][]int{{0, 1, 4}, {3}, {10, 15}, {12}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("26-connected components mismatch (-want +got):\n%s", diff)
	}
}

func TestDilateStaysInsideAllowed(t *testing.T) {
	g := models.NewGrid(7, 1, 1, nil)
	offs, _ := offsets(26)
	n := neighborhood{grid: g, offsets: offs}
	allowed := []bool{false, true, true, true, true, false, true}

	got := dilate(n, []int{3}, allowed, 5)
	if diff := cmp.Diff([]int{1, 2, 3, 4}, got); diff != "" {
		t.Errorf("dilation mismatch (-want +got):\n%s", diff)
	}
	if got := dilate(n, []int{3}, allowed, 0); !cmp.Equal([]int{3}, got) {
		t.Errorf("Expected zero steps to return the seed, got %v", got)
	}
}

func TestMergeIsTransitive(t *testing.T) {
	g := models.NewGrid(5, 1, 1, nil)
	offs, _ := offsets(26)
	n := neighborhood{grid: g, offsets: offs}
	sub := []bool{true, true, true, true, true}
	// A={0} B={2} C={4} grow to {0,1} {1,2,3} {3,4}: IoU 0.25 for A~B and B~C
	candidates := [][]int{{0}, {2}, {4}}

	got := merge(n, candidates, sub, 1, mergeRule{threshold: 0.2})
	if diff := cmp.Diff([][]int{{0, 2, 4}}, got); diff != "" {
		t.Errorf("merge mismatch (-want +got):\n%s", diff)
	}

	got = merge(n, candidates, sub, 1, mergeRule{threshold: 0.5})
	if len(got) != 3 {
		t.Errorf("Expected no merge at IoU threshold 0.5, got %v", got)
	}
}

func TestOrderBreaksTiesByCentroid(t *testing.T) {
	g := models.NewGrid(5, 5, 1, nil)
	regions := [][]int{
		{g.Index(4, 0, 0)},
		{g.Index(0, 4, 0)},
		{g.Index(0, 0, 0), g.Index(1, 0, 0)},
		{g.Index(0, 2, 0)},
	}
	got := order(g, regions, 1)
	var firsts []int
	for _, r := range got {
		firsts = append(firsts, r.voxels[0])
	}
	want := []int{g.Index(0, 0, 0), g.Index(0, 2, 0), g.Index(0, 4, 0), g.Index(4, 0, 0)}
	if diff := cmp.Diff(want, firsts); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}

	if got := order(g, regions, 2); len(got) != 1 {
		t.Errorf("Expected only the two-voxel region to pass the size filter, got %d", len(got))
	}
}
