// Package experiment is the on-disk store of a refinement: micrographs and
// their CTF parameters, noise groups, particle images and per-iteration
// checkpoints, kept in one SQLite database.
package experiment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"emrefine/internal/models"
	"emrefine/pkg/ctf"
	"emrefine/pkg/grid"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("experiment: not found")

const schema = `
CREATE TABLE IF NOT EXISTS micrographs(
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	voltage REAL NOT NULL,
	defocus_u REAL NOT NULL,
	defocus_v REAL NOT NULL,
	defocus_angle REAL NOT NULL,
	cs REAL NOT NULL,
	amp_contrast REAL NOT NULL
);
CREATE TABLE IF NOT EXISTS noise_groups(
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS images(
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	micrograph_id INTEGER NOT NULL REFERENCES micrographs(id),
	group_id INTEGER NOT NULL REFERENCES noise_groups(id),
	name TEXT NOT NULL,
	size INTEGER NOT NULL,
	pixels BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS checkpoints(
	run_id TEXT NOT NULL,
	iter INTEGER NOT NULL,
	r INTEGER NOT NULL,
	resolution REAL NOT NULL,
	search_type TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY(run_id, iter)
);
CREATE TABLE IF NOT EXISTS checkpoint_references(
	run_id TEXT NOT NULL,
	iter INTEGER NOT NULL,
	class INTEGER NOT NULL,
	voxels BLOB NOT NULL,
	PRIMARY KEY(run_id, iter, class)
);
CREATE TABLE IF NOT EXISTS checkpoint_poses(
	run_id TEXT NOT NULL,
	iter INTEGER NOT NULL,
	image_id INTEGER NOT NULL,
	class INTEGER NOT NULL,
	qw REAL NOT NULL, qx REAL NOT NULL, qy REAL NOT NULL, qz REAL NOT NULL,
	tx REAL NOT NULL, ty REAL NOT NULL,
	weight REAL NOT NULL,
	k0 REAL NOT NULL, k1 REAL NOT NULL,
	s0 REAL NOT NULL, s1 REAL NOT NULL, rho REAL NOT NULL,
	PRIMARY KEY(run_id, iter, image_id)
);
`

// Store is an experiment database. It is safe for concurrent use by every
// rank of a local world.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open experiment %s: %w", path, err)
	}
	// One connection serialises writers and keeps an in-memory database
	// alive for the lifetime of the store.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA foreign_keys = ON", schema} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialise experiment %s: %w", path, err)
		}
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// AddMicrograph inserts m and returns its ID.
func (s *Store) AddMicrograph(ctx context.Context, m *models.Micrograph) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO micrographs(name, voltage, defocus_u, defocus_v, defocus_angle, cs, amp_contrast)
		 VALUES(?,?,?,?,?,?,?)`,
		m.Name, m.CTF.Voltage, m.CTF.DefocusU, m.CTF.DefocusV, m.CTF.DefocusAngle, m.CTF.Cs, m.CTF.AmpContrast)
	if err != nil {
		return 0, fmt.Errorf("add micrograph %q: %w", m.Name, err)
	}
	m.ID, err = res.LastInsertId()
	return m.ID, err
}

// AddGroup inserts a noise group and returns its ID.
func (s *Store) AddGroup(ctx context.Context, name string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO noise_groups(name) VALUES(?)`, name)
	if err != nil {
		return 0, fmt.Errorf("add group %q: %w", name, err)
	}
	return res.LastInsertId()
}

// Groups returns every noise group ordered by ID.
func (s *Store) Groups(ctx context.Context) ([]models.Group, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM noise_groups ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var groups []models.Group
	for rows.Next() {
		var g models.Group
		if err := rows.Scan(&g.ID, &g.Name); err != nil {
			return nil, fmt.Errorf("list groups: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// AddImage inserts img with its pixels stored as float32 and returns its ID.
func (s *Store) AddImage(ctx context.Context, img *models.Image) (int64, error) {
	if len(img.Pixels) != img.Size*img.Size {
		return 0, fmt.Errorf("add image %q: %w: %d pixels for size %d", img.Name, grid.ErrShape, len(img.Pixels), img.Size)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO images(micrograph_id, group_id, name, size, pixels) VALUES(?,?,?,?,?)`,
		img.MicrographID, img.GroupID, img.Name, img.Size, grid.EncodeFloat32(img.Pixels))
	if err != nil {
		return 0, fmt.Errorf("add image %q: %w", img.Name, err)
	}
	img.ID, err = res.LastInsertId()
	return img.ID, err
}

// ImageIDs returns the IDs of every image in ascending order.
func (s *Store) ImageIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM images ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list images: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Image loads one image with its pixels.
func (s *Store) Image(ctx context.Context, id int64) (*models.Image, error) {
	img := &models.Image{ID: id}
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT micrograph_id, group_id, name, size, pixels FROM images WHERE id = ?`, id).
		Scan(&img.MicrographID, &img.GroupID, &img.Name, &img.Size, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("image %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("image %d: %w", id, err)
	}

	img.Pixels = make([]float64, img.Size*img.Size)
	if err := grid.DecodeFloat32(img.Pixels, blob); err != nil {
		return nil, fmt.Errorf("image %d: %w", id, err)
	}
	return img, nil
}

// CTF returns the CTF parameters of the micrograph an image was cut from.
func (s *Store) CTF(ctx context.Context, imageID int64) (ctf.Params, error) {
	var p ctf.Params
	err := s.db.QueryRowContext(ctx,
		`SELECT m.voltage, m.defocus_u, m.defocus_v, m.defocus_angle, m.cs, m.amp_contrast
		 FROM images i JOIN micrographs m ON m.id = i.micrograph_id WHERE i.id = ?`, imageID).
		Scan(&p.Voltage, &p.DefocusU, &p.DefocusV, &p.DefocusAngle, &p.Cs, &p.AmpContrast)
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("ctf of image %d: %w", imageID, ErrNotFound)
	}
	if err != nil {
		return p, fmt.Errorf("ctf of image %d: %w", imageID, err)
	}
	return p, nil
}

// SaveCheckpoint records the model state of one iteration, replacing any
// previous record of the same run and iteration.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO checkpoints(run_id, iter, r, resolution, search_type, created_at)
			 VALUES(?,?,?,?,?,?)`,
			cp.RunID, cp.Iter, cp.R, cp.Resolution, cp.SearchType, cp.CreatedAt.UnixNano()); err != nil {
			return err
		}
		for class, voxels := range cp.References {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO checkpoint_references(run_id, iter, class, voxels) VALUES(?,?,?,?)`,
				cp.RunID, cp.Iter, class, voxels); err != nil {
				return err
			}
		}
		return nil
	})
}

// SavePoses records the posterior summary of a set of images at one
// iteration. Ranks call it with the images they own.
func (s *Store) SavePoses(ctx context.Context, runID string, iter int, poses []models.Pose) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT OR REPLACE INTO checkpoint_poses(run_id, iter, image_id, class, qw, qx, qy, qz, tx, ty, weight, k0, k1, s0, s1, rho)
			 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, p := range poses {
			if _, err := stmt.ExecContext(ctx, runID, iter, p.ImageID, p.Class,
				p.Quaternion[0], p.Quaternion[1], p.Quaternion[2], p.Quaternion[3],
				p.TX, p.TY, p.Weight, p.K0, p.K1, p.S0, p.S1, p.Rho); err != nil {
				return err
			}
		}
		return nil
	})
}

// LatestCheckpoint returns the last recorded iteration of a run with its
// references.
func (s *Store) LatestCheckpoint(ctx context.Context, runID string) (*models.Checkpoint, error) {
	cp := &models.Checkpoint{RunID: runID}
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT iter, r, resolution, search_type, created_at FROM checkpoints
		 WHERE run_id = ? ORDER BY iter DESC LIMIT 1`, runID).
		Scan(&cp.Iter, &cp.R, &cp.Resolution, &cp.SearchType, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint of run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint of run %s: %w", runID, err)
	}
	cp.CreatedAt = time.Unix(0, created)

	rows, err := s.db.QueryContext(ctx,
		`SELECT voxels FROM checkpoint_references WHERE run_id = ? AND iter = ? ORDER BY class`, runID, cp.Iter)
	if err != nil {
		return nil, fmt.Errorf("references of run %s: %w", runID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var voxels []byte
		if err := rows.Scan(&voxels); err != nil {
			return nil, fmt.Errorf("references of run %s: %w", runID, err)
		}
		cp.References = append(cp.References, voxels)
	}
	return cp, rows.Err()
}

// Poses returns the recorded poses of a run at one iteration by image ID.
func (s *Store) Poses(ctx context.Context, runID string, iter int) ([]models.Pose, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT image_id, class, qw, qx, qy, qz, tx, ty, weight, k0, k1, s0, s1, rho
		 FROM checkpoint_poses WHERE run_id = ? AND iter = ? ORDER BY image_id`, runID, iter)
	if err != nil {
		return nil, fmt.Errorf("poses of run %s: %w", runID, err)
	}
	defer rows.Close()

	var poses []models.Pose
	for rows.Next() {
		var p models.Pose
		if err := rows.Scan(&p.ImageID, &p.Class,
			&p.Quaternion[0], &p.Quaternion[1], &p.Quaternion[2], &p.Quaternion[3],
			&p.TX, &p.TY, &p.Weight, &p.K0, &p.K1, &p.S0, &p.S1, &p.Rho); err != nil {
			return nil, fmt.Errorf("poses of run %s: %w", runID, err)
		}
		poses = append(poses, p)
	}
	return poses, rows.Err()
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("experiment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
