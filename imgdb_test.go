package imgdb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testSig(id uint64, seed int16) Signature {
	var sig Signature
	sig.ID = id
	sig.Width = 100
	sig.Height = 100
	sig.AvgLF = [NumChannels]float64{0.5, 0.1, 0.1}
	for c := 0; c < NumChannels; c++ {
		for i := 0; i < NumCoefs; i++ {
			k := seed + int16(i)
			if k == 0 {
				k = 1
			}
			if c%2 == 1 {
				k = -k
			}
			sig.Sig[c][i] = k
		}
	}
	return sig
}

func TestAddImageDataRejectsDuplicate(t *testing.T) {
	db, err := New(ModeNormal)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.AddImageData(testSig(1, 10)))
	err = db.AddImageData(testSig(1, 20))
	require.Error(t, err)
	require.ErrorIs(t, err, ErrDuplicateID)
}

func TestRemoveNormalInvalidatesBucketsUntilRehash(t *testing.T) {
	db, err := New(ModeNormal)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.AddImageData(testSig(1, 10)))
	require.NoError(t, db.AddImageData(testSig(2, 50)))

	require.NoError(t, db.Remove(1))
	require.False(t, db.bucketsValid)

	_, err = db.Query(QueryArg{NumRes: 1})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrUsage)

	require.NoError(t, db.Rehash())
	require.True(t, db.bucketsValid)

	results, err := db.Query(QueryArg{
		Sig:    testSig(2, 50).Sig,
		AvgLF:  testSig(2, 50).AvgLF,
		NumRes: 5,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, uint64(2), results[0].ID)
}

func TestQuerySelfMatchScoresHighest(t *testing.T) {
	db, err := New(ModeNormal)
	require.NoError(t, err)
	defer db.Close()

	target := testSig(1, 10)
	require.NoError(t, db.AddImageData(target))
	require.NoError(t, db.AddImageData(testSig(2, 900)))
	require.NoError(t, db.AddImageData(testSig(3, 1800)))

	results, err := db.Query(QueryArg{
		Sig:    target.Sig,
		AvgLF:  target.AvgLF,
		NumRes: 3,
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, uint64(1), results[0].ID)
	for _, r := range results[1:] {
		require.LessOrEqual(t, r.Score, results[0].Score)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	db, err := New(ModeNormal)
	require.NoError(t, err)
	require.NoError(t, db.AddImageData(testSig(1, 10)))
	require.NoError(t, db.AddImageData(testSig(2, 500)))
	require.NoError(t, db.Save(path))
	require.NoError(t, db.Close())

	loaded, err := Load(path, ModeNormal)
	require.NoError(t, err)
	defer loaded.Close()

	require.Equal(t, 2, len(loaded.registry))
	results, err := loaded.Query(QueryArg{Sig: testSig(1, 10).Sig, AvgLF: testSig(1, 10).AvgLF, NumRes: 2})
	require.NoError(t, err)
	require.Equal(t, uint64(1), results[0].ID)
}

func TestLoadSimpleReadOnlyMatchesNormalQuery(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ro.db")

	db, err := New(ModeNormal)
	require.NoError(t, err)
	require.NoError(t, db.AddImageData(testSig(1, 10)))
	require.NoError(t, db.AddImageData(testSig(2, 500)))
	require.NoError(t, db.Save(path))
	require.NoError(t, db.Close())

	ro, err := LoadSimpleReadOnly(path)
	require.NoError(t, err)
	defer ro.Close()

	require.Equal(t, ModeSimple, ro.Mode())
	require.Equal(t, 2, len(ro.registry))

	results, err := ro.Query(QueryArg{Sig: testSig(1, 10).Sig, AvgLF: testSig(1, 10).AvgLF, NumRes: 2})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, uint64(1), results[0].ID)
}

func TestSimpleModeRemoveIsTombstone(t *testing.T) {
	db, err := New(ModeSimple)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.AddImageData(testSig(1, 10)))
	require.NoError(t, db.AddImageData(testSig(2, 500)))
	require.NoError(t, db.Remove(1))

	require.Equal(t, Score(0), db.registry[0].Avgl[0])

	st := db.Stats()
	require.Equal(t, 1, st.Live)
	require.Equal(t, 1, st.Tombstoned)

	err = db.Save("whatever")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrUsage)
}

func TestAlterModeCreateAddRemoveReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alter.db")

	db, err := CreateAlter(path)
	require.NoError(t, err)
	require.NoError(t, db.AddImageData(testSig(1, 10)))
	require.NoError(t, db.AddImageData(testSig(2, 500)))
	require.NoError(t, db.AddImageData(testSig(3, 900)))
	require.NoError(t, db.Remove(2))
	require.NoError(t, db.Save(""))
	require.NoError(t, db.Close())

	reopened, err := OpenAlter(path)
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, 2, len(reopened.registry))
	_, ok := reopened.byID[2]
	require.False(t, ok)
	_, ok = reopened.byID[1]
	require.True(t, ok)
	_, ok = reopened.byID[3]
	require.True(t, ok)
}

func TestAlterModeDoesNotSupportQuery(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alter2.db")
	db, err := CreateAlter(path)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.AddImageData(testSig(1, 10)))
	_, err = db.Query(QueryArg{NumRes: 1})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrUsage)
}

func TestAlterModeHeaderGrowthSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "grow.db")

	const n = 2000 // exceeds the 1024-slot id table reservation at least once
	db, err := CreateAlter(path)
	require.NoError(t, err)
	for i := uint64(1); i <= n; i++ {
		require.NoError(t, db.AddImageData(testSig(i, int16(i%4000+1))))
	}
	require.True(t, db.rewriteIDs, "resize_header should have fired and marked the id table dirty")
	require.NoError(t, db.Save(""))
	require.NoError(t, db.Close())

	reopened, err := OpenAlter(path)
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, n, len(reopened.registry))
	for i := uint64(1); i <= n; i++ {
		idx, ok := reopened.byID[i]
		require.True(t, ok, "id %d missing after reload", i)
		sig, err := reopened.fullSignature(reopened.registry[idx])
		require.NoError(t, err)
		require.Equal(t, i, sig.ID)
	}
}

func TestQueryUniqueSetDropsWorstOfDuplicateTag(t *testing.T) {
	db, err := New(ModeNormal)
	require.NoError(t, err)
	defer db.Close()

	target := testSig(1, 10)
	require.NoError(t, db.AddImageData(target))        // tag 1, self-match
	require.NoError(t, db.AddImageData(testSig(2, 12))) // tag 2, close match
	require.NoError(t, db.AddImageData(testSig(3, 40))) // tag 2 (dup), far match
	require.NoError(t, db.AddImageData(testSig(4, 16))) // tag 3, distinct

	db.registry[0].Mask = 1
	db.registry[1].Mask = 2
	db.registry[2].Mask = 2
	db.registry[3].Mask = 3

	results, err := db.Query(QueryArg{
		Sig:    target.Sig,
		AvgLF:  target.AvgLF,
		NumRes: 3,
		Flags:  FlagUniqueSet,
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	ids := make(map[uint64]bool, len(results))
	for _, r := range results {
		ids[r.ID] = true
	}
	require.True(t, ids[1])
	require.True(t, ids[2])
	require.True(t, ids[4])
	require.False(t, ids[3], "id 3 shares a tag with the better-scoring id 2 and should be dropped")
}

// TestQueryUniqueSetGrowthPhaseEvictsDuplicateAtTop exercises the path where
// a duplicate tag is discovered only after the heap has already filled to
// NumRes: the better-scoring match arrives second, grows the heap past need,
// and must evict its same-tag predecessor (which by then sits at the top as
// the current worst) within the same insertion rather than at final drain.
func TestQueryUniqueSetGrowthPhaseEvictsDuplicateAtTop(t *testing.T) {
	db, err := New(ModeNormal)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.AddImageData(testSig(1, 40))) // tag 5, far match
	require.NoError(t, db.AddImageData(testSig(2, 12))) // tag 5 (dup), close match

	db.registry[0].Mask = 5
	db.registry[1].Mask = 5

	query := testSig(0, 10)
	results, err := db.Query(QueryArg{
		Sig:    query.Sig,
		AvgLF:  query.AvgLF,
		NumRes: 1,
		Flags:  FlagUniqueSet,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, uint64(2), results[0].ID, "the closer same-tag match should survive, not the first one admitted")
}

func TestRemoveUnknownIDIsInvalid(t *testing.T) {
	db, err := New(ModeNormal)
	require.NoError(t, err)
	defer db.Close()

	err = db.Remove(999)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidID)
}
