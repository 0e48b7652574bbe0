package indexing

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mit.edu/dsg/minidb/common"
	"mit.edu/dsg/minidb/storage"
	"mit.edu/dsg/minidb/transaction"
)

func setupTree(t *testing.T, poolSize, leafMax, internalMax int) (*BPlusTree, *storage.BufferPoolManager) {
	t.Helper()
	dm, err := storage.NewFileDiskManager(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = dm.Close() })

	bpm := storage.NewBufferPoolManager(poolSize, dm, nil)
	frame, err := bpm.NewPage()
	require.NoError(t, err)
	require.Equal(t, common.HeaderPageID, frame.ID(), "the header page is the first allocation")
	bpm.UnpinPage(frame.ID(), true)

	tree, err := NewBPlusTree("numbers", bpm, Int64Comparator, Int64KeySize, leafMax, internalMax)
	require.NoError(t, err)
	return tree, bpm
}

func insertKey(t *testing.T, tree *BPlusTree, k int64) {
	t.Helper()
	ok, err := tree.Insert(Int64Key(k), rid(k), nil)
	require.NoError(t, err)
	require.True(t, ok, "insert of %d", k)
}

func removeKey(t *testing.T, tree *BPlusTree, k int64) {
	t.Helper()
	require.NoError(t, tree.Remove(Int64Key(k), nil))
}

func mustGet(t *testing.T, tree *BPlusTree, k int64) {
	t.Helper()
	got, found, err := tree.GetValue(Int64Key(k), nil)
	require.NoError(t, err)
	require.True(t, found, "key %d should be present", k)
	require.Equal(t, rid(k), got)
}

func mustNotGet(t *testing.T, tree *BPlusTree, k int64) {
	t.Helper()
	_, found, err := tree.GetValue(Int64Key(k), nil)
	require.NoError(t, err)
	require.False(t, found, "key %d should be absent", k)
}

// scanAll drains a forward scan from the smallest key.
func scanAll(t *testing.T, tree *BPlusTree) []int64 {
	t.Helper()
	it, err := tree.Begin(nil)
	require.NoError(t, err)
	defer it.Close()

	var keys []int64
	for it.Next() {
		keys = append(keys, DecodeInt64Key(it.Key()))
	}
	require.NoError(t, it.Error())
	return keys
}

// checkTreeInvariants walks the whole tree verifying structure: parent
// pointers, equal leaf depth, separator-bounded key order, size limits, and
// the leaf chain. It also checks that no operation leaked a pin.
func checkTreeInvariants(t *testing.T, tree *BPlusTree) {
	t.Helper()
	require.Equal(t, 0, tree.bpm.PinnedFrames(), "an operation leaked a pinned page")

	rootID := tree.RootPageID()
	if rootID.IsNil() {
		return
	}

	var leafDepths []int
	var leafChainWant []common.PageID
	var allKeys [][]byte

	var walk func(id, parent common.PageID, depth int, low, high []byte)
	walk = func(id, parent common.PageID, depth int, low, high []byte) {
		frame, err := tree.bpm.FetchPage(id)
		require.NoError(t, err)
		node := AsTreePage(frame)
		assert.Equal(t, parent, node.ParentPageID(), "parent pointer of %s", id)
		assert.LessOrEqual(t, node.Size(), node.MaxSize(), "node %s over capacity", id)

		if node.IsLeaf() {
			lp := AsLeafPage(frame, tree.keySize)
			if !parent.IsNil() {
				assert.GreaterOrEqual(t, lp.Size(), 1, "leaf %s emptied but not removed", id)
			}
			leafDepths = append(leafDepths, depth)
			leafChainWant = append(leafChainWant, id)
			prev := low
			for i := 0; i < lp.Size(); i++ {
				key := copyKey(lp.KeyAt(i))
				if prev != nil {
					cmpWant := 0
					if i > 0 {
						cmpWant = -1 // strictly increasing inside a leaf
					}
					assert.LessOrEqual(t, tree.comparator(prev, key), cmpWant, "leaf %s keys out of order", id)
				}
				if high != nil {
					assert.Negative(t, tree.comparator(key, high), "leaf %s key exceeds separator window", id)
				}
				allKeys = append(allKeys, key)
				prev = key
			}
			tree.bpm.UnpinPage(id, false)
			return
		}

		ip := AsInternalPage(frame, tree.keySize)
		if !parent.IsNil() {
			assert.GreaterOrEqual(t, ip.Size(), 2, "internal %s lost its children", id)
		}
		type childSpan struct {
			id        common.PageID
			low, high []byte
		}
		children := make([]childSpan, 0, ip.Size())
		for i := 0; i < ip.Size(); i++ {
			span := childSpan{id: ip.ValueAt(i), low: low, high: high}
			if i > 0 {
				span.low = copyKey(ip.KeyAt(i))
			}
			if i < ip.Size()-1 {
				span.high = copyKey(ip.KeyAt(i + 1))
			}
			children = append(children, span)
		}
		for i := 2; i < ip.Size(); i++ {
			assert.LessOrEqual(t, tree.comparator(ip.KeyAt(i-1), ip.KeyAt(i)), 0, "internal %s separators out of order", id)
		}
		tree.bpm.UnpinPage(id, false)

		for _, child := range children {
			walk(child.id, id, depth+1, child.low, child.high)
		}
	}
	walk(rootID, common.InvalidPageID, 0, nil, nil)

	for _, depth := range leafDepths {
		assert.Equal(t, leafDepths[0], depth, "leaves are not at equal depth")
	}
	for i := 1; i < len(allKeys); i++ {
		assert.Negative(t, tree.comparator(allKeys[i-1], allKeys[i]), "keys not globally ascending")
	}

	// The next-pointer chain must list the leaves in key order.
	chain := make([]common.PageID, 0, len(leafChainWant))
	for id := leafChainWant[0]; !id.IsNil(); {
		frame, err := tree.bpm.FetchPage(id)
		require.NoError(t, err)
		lp := AsLeafPage(frame, tree.keySize)
		chain = append(chain, id)
		next := lp.NextPageID()
		tree.bpm.UnpinPage(id, false)
		id = next
	}
	assert.Equal(t, leafChainWant, chain, "leaf chain disagrees with in-order traversal")
}

func treeDepth(t *testing.T, tree *BPlusTree) int {
	t.Helper()
	depth := 0
	id := tree.RootPageID()
	for !id.IsNil() {
		frame, err := tree.bpm.FetchPage(id)
		require.NoError(t, err)
		node := AsTreePage(frame)
		if node.IsLeaf() {
			tree.bpm.UnpinPage(id, false)
			return depth + 1
		}
		child := AsInternalPage(frame, tree.keySize).ValueAt(0)
		tree.bpm.UnpinPage(id, false)
		id = child
		depth++
	}
	return depth
}

func TestBPlusTree_InsertGetRoundTrip(t *testing.T) {
	tree, _ := setupTree(t, 64, 4, 4)

	keys := make([]int, 200)
	for i := range keys {
		keys[i] = i + 1
	}
	faker := gofakeit.New(11)
	faker.ShuffleInts(keys)

	for _, k := range keys {
		insertKey(t, tree, int64(k))
	}
	checkTreeInvariants(t, tree)

	for k := int64(1); k <= 200; k++ {
		mustGet(t, tree, k)
	}
	mustNotGet(t, tree, 0)
	mustNotGet(t, tree, 201)

	assert.Len(t, scanAll(t, tree), 200)
}

func TestBPlusTree_DuplicateInsertRejected(t *testing.T) {
	tree, _ := setupTree(t, 16, 4, 4)

	insertKey(t, tree, 7)
	ok, err := tree.Insert(Int64Key(7), common.RecordID{PageNum: 99, Slot: 99}, nil)
	require.NoError(t, err)
	assert.False(t, ok, "a duplicate insert is rejected")

	// The stored value is unchanged.
	mustGet(t, tree, 7)
	checkTreeInvariants(t, tree)
}

func TestBPlusTree_EmptyTreeOps(t *testing.T) {
	tree, _ := setupTree(t, 16, 4, 4)

	assert.True(t, tree.IsEmpty())
	mustNotGet(t, tree, 1)
	removeKey(t, tree, 1)
	assert.Empty(t, scanAll(t, tree))
	checkTreeInvariants(t, tree)
}

func TestBPlusTree_LeafSplitBoundary(t *testing.T) {
	tree, bpm := setupTree(t, 16, 3, 3)

	for k := int64(1); k <= 4; k++ {
		insertKey(t, tree, k)
	}
	checkTreeInvariants(t, tree)

	rootFrame, err := bpm.FetchPage(tree.RootPageID())
	require.NoError(t, err)
	root := AsInternalPage(rootFrame, tree.keySize)
	require.False(t, root.IsLeaf(), "four inserts at fanout 3 split the root leaf")
	require.Equal(t, 2, root.Size())
	assert.Equal(t, int64(3), DecodeInt64Key(root.KeyAt(1)))
	leftID, rightID := root.ValueAt(0), root.ValueAt(1)
	bpm.UnpinPage(root.ID(), false)

	leftFrame, err := bpm.FetchPage(leftID)
	require.NoError(t, err)
	left := AsLeafPage(leftFrame, tree.keySize)
	assert.Equal(t, []int64{1, 2}, leafKeys(left))
	assert.Equal(t, rightID, left.NextPageID(), "the split leaves stay linked")
	bpm.UnpinPage(leftID, false)

	rightFrame, err := bpm.FetchPage(rightID)
	require.NoError(t, err)
	right := AsLeafPage(rightFrame, tree.keySize)
	assert.Equal(t, []int64{3, 4}, leafKeys(right))
	assert.True(t, right.NextPageID().IsNil())
	bpm.UnpinPage(rightID, false)
}

func TestBPlusTree_InternalSplitSequential(t *testing.T) {
	tree, _ := setupTree(t, 32, 3, 3)

	// Sequential inserts at fanout 3 keep splitting the rightmost path, so
	// every internal split lands exactly on the boundary separator.
	for k := int64(1); k <= 30; k++ {
		insertKey(t, tree, k)
		checkTreeInvariants(t, tree)
	}
	for k := int64(1); k <= 30; k++ {
		mustGet(t, tree, k)
	}
	keys := scanAll(t, tree)
	require.Len(t, keys, 30)
	for i, k := range keys {
		assert.Equal(t, int64(i+1), k)
	}
}

func TestBPlusTree_GrowAndShrink(t *testing.T) {
	tree, _ := setupTree(t, 32, 4, 4)

	for k := int64(1); k <= 10; k++ {
		insertKey(t, tree, k)
	}
	checkTreeInvariants(t, tree)
	assert.Greater(t, treeDepth(t, tree), 1, "ten keys at fanout 4 grow past a single leaf")

	for k := int64(1); k <= 10; k++ {
		removeKey(t, tree, k)
		checkTreeInvariants(t, tree)
		for j := int64(1); j <= 10; j++ {
			if j <= k {
				mustNotGet(t, tree, j)
			} else {
				mustGet(t, tree, j)
			}
		}
	}
	assert.True(t, tree.IsEmpty(), "the emptied tree has no root")
	assert.True(t, tree.RootPageID().IsNil())
}

func TestBPlusTree_RemoveMissingIsSilent(t *testing.T) {
	tree, _ := setupTree(t, 16, 4, 4)
	for k := int64(1); k <= 5; k++ {
		insertKey(t, tree, k)
	}
	removeKey(t, tree, 42)
	for k := int64(1); k <= 5; k++ {
		mustGet(t, tree, k)
	}
	checkTreeInvariants(t, tree)
}

func TestBPlusTree_RootPromotion(t *testing.T) {
	tree, bpm := setupTree(t, 16, 3, 3)

	for k := int64(1); k <= 4; k++ {
		insertKey(t, tree, k)
	}
	require.Greater(t, treeDepth(t, tree), 1)

	// Shrinking back to one leaf promotes the remaining child to root.
	removeKey(t, tree, 4)
	removeKey(t, tree, 3)
	checkTreeInvariants(t, tree)
	require.Equal(t, 1, treeDepth(t, tree), "the internal root collapsed onto its only child")

	rootFrame, err := bpm.FetchPage(tree.RootPageID())
	require.NoError(t, err)
	root := AsTreePage(rootFrame)
	assert.True(t, root.IsLeaf())
	assert.True(t, root.IsRoot(), "the promoted child cleared its parent pointer")
	bpm.UnpinPage(root.ID(), false)

	mustGet(t, tree, 1)
	mustGet(t, tree, 2)
}

func TestBPlusTree_DeleteRedistributeAndCoalesce(t *testing.T) {
	tree, _ := setupTree(t, 64, 4, 4)

	keys := make([]int, 64)
	for i := range keys {
		keys[i] = i + 1
	}
	for _, k := range keys {
		insertKey(t, tree, int64(k))
	}
	checkTreeInvariants(t, tree)

	// A randomized delete order drives both underflow repairs: borrows from
	// rich siblings and merges between minimal ones, leaves and internals.
	faker := gofakeit.New(23)
	faker.ShuffleInts(keys)
	for i, k := range keys {
		removeKey(t, tree, int64(k))
		checkTreeInvariants(t, tree)
		for _, j := range keys[i+1:] {
			mustGet(t, tree, int64(j))
		}
	}
	assert.True(t, tree.IsEmpty())
}

func TestBPlusTree_IteratorScansAscending(t *testing.T) {
	tree, _ := setupTree(t, 32, 3, 3)

	for k := int64(1); k <= 10; k++ {
		insertKey(t, tree, k)
	}

	keys := scanAll(t, tree)
	require.Len(t, keys, 10)
	for i, k := range keys {
		assert.Equal(t, int64(i+1), k)
	}

	// BeginAt positions on the first key >= the bound, crossing leaves.
	it, err := tree.BeginAt(Int64Key(6), nil)
	require.NoError(t, err)
	var tail []int64
	for it.Next() {
		tail = append(tail, DecodeInt64Key(it.Key()))
		assert.Equal(t, rid(tail[len(tail)-1]), it.Value())
	}
	require.NoError(t, it.Close())
	assert.Equal(t, []int64{6, 7, 8, 9, 10}, tail)

	// BeginAt past the largest key is an immediate end.
	it, err = tree.BeginAt(Int64Key(99), nil)
	require.NoError(t, err)
	assert.False(t, it.Next())
	assert.True(t, it.IsEnd())
	require.NoError(t, it.Close())

	assert.True(t, tree.End().IsEnd())
	checkTreeInvariants(t, tree)
}

func TestBPlusTree_ReopenFromHeaderRecord(t *testing.T) {
	tree, bpm := setupTree(t, 32, 4, 4)

	for k := int64(1); k <= 20; k++ {
		insertKey(t, tree, k)
	}

	// A second handle on the same name resolves the persisted root.
	reopened, err := NewBPlusTree("numbers", bpm, Int64Comparator, Int64KeySize, 4, 4)
	require.NoError(t, err)
	require.Equal(t, tree.RootPageID(), reopened.RootPageID())
	for k := int64(1); k <= 20; k++ {
		mustGet(t, reopened, k)
	}
}

func TestBPlusTree_LatchCrabbingBound(t *testing.T) {
	tree, _ := setupTree(t, 64, 4, 4)
	for k := int64(1); k <= 128; k++ {
		insertKey(t, tree, k)
	}
	depth := treeDepth(t, tree)
	require.Greater(t, depth, 2)

	// A read descent holds at most parent plus child at any instant.
	txn := transaction.NewContext()
	_, found, err := tree.GetValue(Int64Key(64), txn)
	require.NoError(t, err)
	require.True(t, found)
	assert.LessOrEqual(t, txn.MaxHeldPages(), 2, "read crabbing must release ancestors eagerly")

	// A write descent holds at most the unsafe suffix of the path.
	txn = transaction.NewContext()
	ok, err := tree.Insert(Int64Key(1000), rid(1000), txn)
	require.NoError(t, err)
	require.True(t, ok)
	assert.LessOrEqual(t, txn.MaxHeldPages(), depth+1, "write crabbing exceeded the path")

	txn = transaction.NewContext()
	require.NoError(t, tree.Remove(Int64Key(1000), txn))
	assert.LessOrEqual(t, txn.MaxHeldPages(), depth+1)
	checkTreeInvariants(t, tree)
}

func TestBPlusTree_BufferPoolExhaustionPropagates(t *testing.T) {
	tree, bpm := setupTree(t, 4, 3, 3)

	// Five pages exist after these inserts: header, three leaves, one root.
	for k := int64(1); k <= 7; k++ {
		insertKey(t, tree, k)
	}
	require.Equal(t, 5, bpm.DiskManager().NumPages())

	// Pin four pages; every frame is now taken.
	for id := common.PageID(0); id <= 3; id++ {
		_, err := bpm.FetchPage(id)
		require.NoError(t, err)
	}

	// The descent reaches the resident root but cannot fault in the leaf.
	_, _, err := tree.GetValue(Int64Key(7), nil)
	require.Error(t, err)
	assert.True(t, common.HasErrorCode(err, common.BufferPoolFullError))

	// The failed operation released its latches and pins; freeing one frame
	// is enough to retry successfully.
	for id := common.PageID(0); id <= 3; id++ {
		require.True(t, bpm.UnpinPage(id, false))
	}
	mustGet(t, tree, 7)
	checkTreeInvariants(t, tree)
}

func TestBPlusTree_ConcurrentReadersWithWriter(t *testing.T) {
	tree, _ := setupTree(t, 128, 4, 4)

	const preloaded = 200
	const total = 400
	for k := int64(1); k <= preloaded; k++ {
		insertKey(t, tree, k)
	}

	var wg sync.WaitGroup
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := int64(1); k <= total; k++ {
				got, found, err := tree.GetValue(Int64Key(k), nil)
				if !assert.NoError(t, err) {
					return
				}
				if k <= preloaded {
					if !assert.True(t, found, "preloaded key %d vanished", k) {
						return
					}
				}
				if found && !assert.Equal(t, rid(k), got, "corrupt read of key %d", k) {
					return
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for k := int64(preloaded + 1); k <= total; k++ {
			ok, err := tree.Insert(Int64Key(k), rid(k), nil)
			if !assert.NoError(t, err) || !assert.True(t, ok) {
				return
			}
		}
	}()
	wg.Wait()

	keys := scanAll(t, tree)
	require.Len(t, keys, total)
	for i, k := range keys {
		assert.Equal(t, int64(i+1), k)
	}
	checkTreeInvariants(t, tree)
}

func TestBPlusTree_ConcurrentDisjointInserts(t *testing.T) {
	tree, _ := setupTree(t, 128, 4, 4)

	const perWriter = 100
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(base int64) {
			defer wg.Done()
			for i := int64(0); i < perWriter; i++ {
				k := base + i
				ok, err := tree.Insert(Int64Key(k), rid(k), nil)
				if !assert.NoError(t, err) || !assert.True(t, ok, "insert %d", k) {
					return
				}
			}
		}(int64(w*perWriter + 1))
	}
	wg.Wait()

	keys := scanAll(t, tree)
	require.Len(t, keys, 4*perWriter)
	for i, k := range keys {
		assert.Equal(t, int64(i+1), k)
	}
	checkTreeInvariants(t, tree)
}

func TestBPlusTree_Destroy(t *testing.T) {
	tree, bpm := setupTree(t, 32, 3, 3)

	for k := int64(1); k <= 20; k++ {
		insertKey(t, tree, k)
	}
	require.NoError(t, tree.Destroy())
	assert.True(t, tree.IsEmpty())
	assert.Equal(t, 0, bpm.PinnedFrames())

	// The header record is gone; a new handle starts an empty tree.
	reopened, err := NewBPlusTree("numbers", bpm, Int64Comparator, Int64KeySize, 3, 3)
	require.NoError(t, err)
	assert.True(t, reopened.IsEmpty())
}
