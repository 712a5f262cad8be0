package imgdb

import (
	"container/heap"
)

// QueryFlags selects optional query behaviors.
type QueryFlags uint32

const (
	FlagSketch QueryFlags = 1 << iota
	FlagGrayscale
	FlagFast
	FlagMask
	FlagUniqueSet
	FlagNoCommon
)

func (f QueryFlags) has(bit QueryFlags) bool { return f&bit != 0 }

// QueryArg is a query's input: a signature plus selection controls.
type QueryArg struct {
	Sig     [NumChannels][NumCoefs]int16
	AvgLF   [NumChannels]float64
	NumRes  int
	Flags   QueryFlags
	MaskAnd uint32
	MaskXor uint32
}

// Result is one scored match, sorted best-first in Query's return value.
type Result struct {
	ID     uint64
	Score  float64
	Width  int32
	Height int32
}

type heapEntry struct {
	index    int32
	rawScore DScore
	id       uint64
	setTag   uint32
}

type resultHeap struct {
	entries []heapEntry
	tagN    map[uint32]int
}

func (h *resultHeap) Len() int { return len(h.entries) }
func (h *resultHeap) Less(i, j int) bool {
	// Max-heap: container/heap's "minimum" by this comparator is the
	// numerically largest raw score, i.e. the current worst match.
	return h.entries[i].rawScore > h.entries[j].rawScore
}
func (h *resultHeap) Swap(i, j int) { h.entries[i], h.entries[j] = h.entries[j], h.entries[i] }
func (h *resultHeap) Push(x interface{}) {
	e := x.(heapEntry)
	if h.tagN != nil {
		h.tagN[e.setTag]++
	}
	h.entries = append(h.entries, e)
}
func (h *resultHeap) Pop() interface{} {
	n := len(h.entries)
	e := h.entries[n-1]
	h.entries = h.entries[:n-1]
	if h.tagN != nil {
		h.tagN[e.setTag]--
	}
	return e
}

// Query scores every live image against q and returns the top NumRes
// matches, best (highest score) first. Rejects with usage_error when
// called on a normal-mode DB whose buckets are invalid (pending rehash
// after a remove) or on an alter-mode DB (no query support there).
func (db *DB) Query(q QueryArg) ([]Result, error) {
	if db.mode == ModeAlter {
		return nil, usageErr("query", "query is not supported in alter mode")
	}
	if db.mode == ModeNormal && !db.bucketsValid {
		return nil, usageErr("query", "buckets are invalid since the last remove; call Rehash first")
	}

	sketch := 0
	if q.Flags.has(FlagSketch) {
		sketch = 1
	}

	queryGray := q.Flags.has(FlagGrayscale) || isGrayscaleAvgl(q.AvgLF)
	avglQ := quantizeAvgl(q.AvgLF)

	scores := make([]DScore, len(db.registry))
	for i, e := range db.registry {
		channels := NumChannels
		if queryGray || isGrayscaleScore(e.Avgl) {
			channels = 1
		}
		var s DScore
		for c := 0; c < channels; c++ {
			s += mulScore(W[sketch][0][c], absScore(e.Avgl[c]-avglQ[c]))
		}
		scores[i] = s
	}

	var scale DScore
	if !q.Flags.has(FlagFast) {
		channels := NumChannels
		if queryGray {
			channels = 1
		}
		for b := 0; b < NumCoefs; b++ {
			for c := 0; c < channels; c++ {
				k := q.Sig[c][b]
				if k == 0 {
					continue
				}
				sign, mag := bucketSignAndMagnitude(k)
				bkt := canonicalBucket(c, sign, mag)
				size := db.buckets.Size(bkt)
				if size == 0 {
					continue
				}
				if q.Flags.has(FlagNoCommon) && size > len(db.registry)/10 {
					continue
				}
				weight := W[sketch][bin(mag)][c]
				scale -= DScore(weight)

				for _, ref := range db.buckets.IterTail(bkt) {
					idx := refIndex(db.mode, ref, db)
					if idx >= 0 {
						scores[idx] -= DScore(weight)
					}
				}
				view, err := db.buckets.MapAll(bkt, false)
				if err != nil {
					return nil, memoryErr("query", err)
				}
				for _, ref := range iterBaseRefs(view.Bytes(), db.buckets.RefWidth()) {
					idx := refIndex(db.mode, ref, db)
					if idx >= 0 {
						scores[idx] -= DScore(weight)
					}
				}
				view.Close()
			}
		}
	}

	h := &resultHeap{}
	need := q.NumRes
	uniqueSet := q.Flags.has(FlagUniqueSet)
	if uniqueSet {
		h.tagN = make(map[uint32]int)
	}
	heap.Init(h)

	for i, e := range db.registry {
		if db.mode == ModeSimple && e.Avgl[0] == 0 {
			continue // tombstoned
		}
		if q.Flags.has(FlagMask) && (e.Mask&q.MaskAnd) != q.MaskXor {
			continue
		}
		entry := heapEntry{index: int32(i), rawScore: scores[i], id: e.ID, setTag: e.Mask}

		if h.Len() < need {
			// Filling phase: admit every surviving candidate regardless of
			// score until the heap reaches need, growing need as duplicate
			// tags are seen so later trimming has room to keep one per tag.
			heap.Push(h, entry)
			if uniqueSet && h.tagN[entry.setTag] > 1 {
				need++
			}
			continue
		}

		if entry.rawScore >= h.entries[0].rawScore {
			continue // not better than the current worst kept match
		}

		if !uniqueSet {
			heap.Pop(h)
			heap.Push(h, entry)
			continue
		}

		// Growth phase with uniqueset: push first (growing the heap by
		// one) rather than popping the old worst, then trim back down to
		// need, dropping entries past the worst-N or a heap top that still
		// shares its tag with another kept entry. need shrinks in step
		// with each duplicate dropped here, mirroring how it grew above.
		heap.Push(h, entry)
		if h.tagN[entry.setTag] > 1 {
			need++
		}
		for h.Len() > 0 && (h.Len() > need || h.tagN[h.entries[0].setTag] > 1) {
			dup := h.tagN[h.entries[0].setTag] > 1
			heap.Pop(h)
			if dup {
				need--
			}
		}
	}

	var scaleF float64
	if scale != 0 {
		scaleF = 1 / float64(scale)
	}

	popped := make([]heapEntry, 0, h.Len())
	for h.Len() > 0 {
		// Read the tag count before popping: Pop decrements it as a side
		// effect, and keeping only the last (best-scoring) entry of each
		// duplicate tag requires the count as it stood going into this pop.
		keep := !uniqueSet || h.tagN[h.entries[0].setTag] < 2
		e := heap.Pop(h).(heapEntry)
		if keep {
			popped = append(popped, e)
		}
	}

	results := make([]Result, len(popped))
	for i, e := range popped {
		// popped comes out worst-first (heap.Pop always removes the
		// current max raw score); reverse so output is best-first.
		src := popped[len(popped)-1-i]
		info := db.registry[src.index]
		results[i] = Result{
			ID:     src.id,
			Score:  100 * scaleF * float64(src.rawScore),
			Width:  info.Width,
			Height: info.Height,
		}
	}
	if q.NumRes < len(results) {
		results = results[:q.NumRes]
	}
	return results, nil
}

func isGrayscaleScore(avgl [NumChannels]Score) bool {
	return absScore(avgl[1])+absScore(avgl[2]) < scoreFromFloat(grayscaleThreshold)
}

func absScore(s Score) Score {
	if s < 0 {
		return -s
	}
	return s
}

// mulScore multiplies two Score-scale fixed-point values and narrows the
// product back to Score scale, accumulating in the wider DScore type: the
// multiply happens at Score precision, then the result is shifted back
// down rather than left at double width.
func mulScore(a, b Score) DScore {
	return (DScore(a) * DScore(b)) >> 16
}

// refIndex resolves an ImageRef read out of a bucket back to a registry
// slice index: the ref *is* the index in normal/simple mode, but alter mode
// stores 64-bit ids and alter mode never reaches this path (query is
// unsupported there) — kept total for internal reuse by tests/tools.
func refIndex(mode Mode, ref uint64, db *DB) int {
	if mode == ModeAlter {
		if idx, ok := db.byID[ref]; ok {
			return int(idx)
		}
		return -1
	}
	idx := int(uint32(ref))
	if idx < 0 || idx >= len(db.registry) {
		return -1
	}
	return idx
}

func iterBaseRefs(data []byte, refWidth int) []uint64 {
	n := len(data) / refWidth
	out := make([]uint64, n)
	for i := 0; i < n; i++ {
		var v uint64
		for b := 0; b < refWidth; b++ {
			v |= uint64(data[i*refWidth+b]) << (8 * b)
		}
		out[i] = v
	}
	return out
}
