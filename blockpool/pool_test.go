package blockpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeRegister(mem []byte) uint32 { return 1 }

func testConfig() Config {
	return Config{
		InitialSizeMB:  64,
		IncreaseSizeMB: 64,
		MaxRegions:     4,
		Buckets:        4,
		BlockSize:      4096,
	}
}

func TestNewPoolClassSizes(t *testing.T) {
	p, err := NewPool(testConfig(), fakeRegister)
	require.NoError(t, err)
	defer p.Destroy()

	assert.EqualValues(t, 4096, p.BlockSize(0))
	assert.EqualValues(t, 8192, p.BlockSize(1))
	assert.EqualValues(t, 16384, p.BlockSize(2))
	assert.EqualValues(t, 32768, p.BlockSize(3))
	assert.Equal(t, 1, p.RegionCount())
}

func TestNewPoolRejectsNilCallback(t *testing.T) {
	_, err := NewPool(testConfig(), nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestAllocRejectsOutOfRangeSize(t *testing.T) {
	p, err := NewPool(testConfig(), fakeRegister)
	require.NoError(t, err)
	defer p.Destroy()

	_, err = p.Alloc(0)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = p.Alloc(p.BlockSize(numClasses-1) + 1)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestAllocPicksSmallestFittingClass(t *testing.T) {
	p, err := NewPool(testConfig(), fakeRegister)
	require.NoError(t, err)
	defer p.Destroy()

	ptr, err := p.Alloc(1000)
	require.NoError(t, err)
	assert.Equal(t, 0, p.BlockType(ptr))

	ptr, err = p.Alloc(5000)
	require.NoError(t, err)
	assert.Equal(t, 1, p.BlockType(ptr))
}

func TestAllocDeallocRoundTrip(t *testing.T) {
	p, err := NewPool(testConfig(), fakeRegister)
	require.NoError(t, err)
	defer p.Destroy()

	before := p.GlobalFreeLen(0)

	ptr, err := p.Alloc(4096)
	require.NoError(t, err)
	require.NotZero(t, ptr)
	assert.NotZero(t, p.RegionID(ptr))

	assert.Equal(t, before-4096, p.GlobalFreeLen(0))

	require.NoError(t, p.Dealloc(ptr))
	assert.Equal(t, before, p.GlobalFreeLen(0))
}

func TestPtrBytesViewsAllocatedBlock(t *testing.T) {
	p, err := NewPool(testConfig(), fakeRegister)
	require.NoError(t, err)
	defer p.Destroy()

	ptr, err := p.Alloc(4096)
	require.NoError(t, err)

	buf := ptr.Bytes(4096)
	require.Len(t, buf, 4096)
	copy(buf, "hello")
	assert.Equal(t, byte('h'), ptr.Bytes(1)[0])

	assert.Nil(t, Ptr(0).Bytes(4096))
	assert.Nil(t, ptr.Bytes(0))

	require.NoError(t, p.Dealloc(ptr))
}

func TestDeallocUnknownPointer(t *testing.T) {
	p, err := NewPool(testConfig(), fakeRegister)
	require.NoError(t, err)
	defer p.Destroy()

	assert.ErrorIs(t, p.Dealloc(0), ErrInvalidArgument)
	assert.ErrorIs(t, p.Dealloc(Ptr(0xdeadbeef)), ErrNotFound)
}

func TestExtendOnExhaustion(t *testing.T) {
	cfg := testConfig()
	cfg.InitialSizeMB = 64
	cfg.IncreaseSizeMB = 64
	cfg.MaxRegions = 2
	p, err := NewPool(cfg, fakeRegister)
	require.NoError(t, err)
	defer p.Destroy()

	// Drain class 0 across every bucket until the initial region is
	// exhausted and a second region gets pulled in automatically.
	var ptrs []Ptr
	blockSize := p.BlockSize(0)
	total := p.GlobalFreeLen(0)
	n := int(total/blockSize) + 1
	for i := 0; i < n; i++ {
		ptr, err := p.Alloc(uintptr(blockSize))
		require.NoError(t, err)
		ptrs = append(ptrs, ptr)
	}
	assert.Equal(t, 2, p.RegionCount())

	for _, ptr := range ptrs {
		require.NoError(t, p.Dealloc(ptr))
	}
}

func TestExtendFailsAtMaxRegions(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRegions = 1
	// One bucket, so the random bucket choice cannot exhaust a single
	// bucket (and fail) before the whole region has been handed out.
	cfg.Buckets = 1
	p, err := NewPool(cfg, fakeRegister)
	require.NoError(t, err)
	defer p.Destroy()

	blockSize := p.BlockSize(0)
	total := p.GlobalFreeLen(0)
	n := int(total / blockSize)

	for i := 0; i < n; i++ {
		_, err := p.Alloc(uintptr(blockSize))
		require.NoError(t, err)
	}

	_, err = p.Alloc(uintptr(blockSize))
	assert.ErrorIs(t, err, ErrOutOfMemory)
}

func TestDeallocLeaksSilentlyOnNodePoolExhaustion(t *testing.T) {
	p, err := NewPool(testConfig(), fakeRegister)
	require.NoError(t, err)
	defer p.Destroy()

	ptr, err := p.Alloc(4096)
	require.NoError(t, err)

	p.SetNodePoolExhausted(true)
	defer p.SetNodePoolExhausted(false)

	// The block is simply lost, not returned to any free list, but the
	// call itself must not fail.
	assert.NoError(t, p.Dealloc(ptr))
}

func TestExtendRollsBackMmapOnNodePoolExhaustion(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRegions = 4
	p, err := NewPool(cfg, fakeRegister)
	require.NoError(t, err)
	defer p.Destroy()

	regionsBefore := p.RegionCount()

	p.SetNodePoolExhausted(true)
	err = p.extend(cfg.IncreaseSizeMB, 0)
	p.SetNodePoolExhausted(false)

	assert.ErrorIs(t, err, ErrOutOfMemory)
	assert.Equal(t, regionsBefore, p.RegionCount())
}

func TestConcurrentAllocDealloc(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRegions = 4
	p, err := NewPool(cfg, fakeRegister)
	require.NoError(t, err)
	defer p.Destroy()

	const goroutines = 16
	const iterations = 200

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				ptr, err := p.Alloc(4096)
				if err != nil {
					continue
				}
				assert.NoError(t, p.Dealloc(ptr))
			}
		}()
	}
	wg.Wait()
}
