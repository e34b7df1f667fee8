package experiment

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emrefine/internal/models"
	"emrefine/pkg/ctf"
	"emrefine/pkg/grid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "experiment.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestImageRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	params := ctf.Params{Voltage: 300, DefocusU: 20000, DefocusV: 19000, DefocusAngle: 0.3, Cs: 2.7, AmpContrast: 0.07}
	mic := &models.Micrograph{Name: "mic_0001", CTF: params}
	micID, err := s.AddMicrograph(ctx, mic)
	require.NoError(t, err)

	groupID, err := s.AddGroup(ctx, "group_1")
	require.NoError(t, err)

	pixels := make([]float64, 16)
	for i := range pixels {
		pixels[i] = float64(i) - 7.5
	}
	img := &models.Image{MicrographID: micID, GroupID: groupID, Name: "img_0001", Size: 4, Pixels: pixels}
	id, err := s.AddImage(ctx, img)
	require.NoError(t, err)
	assert.Equal(t, id, img.ID)

	got, err := s.Image(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "img_0001", got.Name)
	assert.Equal(t, groupID, got.GroupID)
	assert.Equal(t, pixels, got.Pixels)

	gotCTF, err := s.CTF(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, params, gotCTF)

	groups, err := s.Groups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "group_1", groups[0].Name)
}

func TestAddImageRejectsWrongSize(t *testing.T) {
	s := openTestStore(t)
	_, err := s.AddImage(context.Background(), &models.Image{Name: "bad", Size: 4, Pixels: make([]float64, 3)})
	require.ErrorIs(t, err, grid.ErrShape)
}

func TestMissingImage(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.Image(ctx, 42)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.CTF(ctx, 42)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestImageIDsAscending(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	micID, err := s.AddMicrograph(ctx, &models.Micrograph{Name: "mic"})
	require.NoError(t, err)
	groupID, err := s.AddGroup(ctx, "g")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := s.AddImage(ctx, &models.Image{MicrographID: micID, GroupID: groupID, Size: 2, Pixels: make([]float64, 4)})
		require.NoError(t, err)
	}
	ids, err := s.ImageIDs(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 5)
	for i := 1; i < len(ids); i++ {
		assert.Less(t, ids[i-1], ids[i])
	}
}

func TestCheckpointLatest(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.LatestCheckpoint(ctx, "run")
	require.ErrorIs(t, err, ErrNotFound)

	for iter := 0; iter < 3; iter++ {
		cp := &models.Checkpoint{
			RunID:      "run",
			Iter:       iter,
			R:          4 + iter,
			Resolution: 40 / float64(iter+1),
			SearchType: "GLOBAL",
			References: [][]byte{{byte(iter)}, {byte(iter), 1}},
		}
		require.NoError(t, s.SaveCheckpoint(ctx, cp))
	}

	cp, err := s.LatestCheckpoint(ctx, "run")
	require.NoError(t, err)
	assert.Equal(t, 2, cp.Iter)
	assert.Equal(t, 6, cp.R)
	assert.Equal(t, [][]byte{{2}, {2, 1}}, cp.References)
	assert.False(t, cp.CreatedAt.IsZero())
}

func TestSavePosesReplaces(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	poses := []models.Pose{
		{ImageID: 2, Quaternion: [4]float64{1, 0, 0, 0}, TX: 1.5, Weight: 0.4},
		{ImageID: 1, Quaternion: [4]float64{0, 1, 0, 0}, TY: -2, Weight: 0.9, K0: 10, K1: 1},
	}
	require.NoError(t, s.SavePoses(ctx, "run", 3, poses))

	poses[0].TX = 0.5
	require.NoError(t, s.SavePoses(ctx, "run", 3, poses[:1]))

	got, err := s.Poses(ctx, "run", 3)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].ImageID)
	assert.Equal(t, 10.0, got[0].K0)
	assert.Equal(t, 0.5, got[1].TX)

	none, err := s.Poses(ctx, "run", 4)
	require.NoError(t, err)
	assert.Empty(t, none)
}
