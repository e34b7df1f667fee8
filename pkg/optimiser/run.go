package optimiser

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"emrefine/internal/models"
	"emrefine/pkg/grid"
	"emrefine/pkg/model"
)

// Run performs a whole refinement on this rank: Init, then iterations of
// expectation, maximization, FSC exchange and radius update until IterMax
// or until the model stops the search. Every rank of the world must call
// it; the first error aborts the collective.
func (o *Optimiser) Run(ctx context.Context) error {
	if err := o.Init(ctx); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer o.Clear()

	for ; o.iter < o.para.IterMax; o.iter++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		log := o.log.WithFields(logrus.Fields{"iter": o.iter, "searchType": o.model.SearchType()})
		log.Infof("Round %d: expectation at radius %d", o.iter, o.r)

		if err := o.Expectation(ctx); err != nil {
			return fmt.Errorf("iteration %d: expectation: %w", o.iter, err)
		}
		if err := o.Maximization(ctx); err != nil {
			return fmt.Errorf("iteration %d: maximization: %w", o.iter, err)
		}
		if err := o.model.BcastFSC(); err != nil {
			return fmt.Errorf("iteration %d: %w", o.iter, err)
		}
		o.model.RefreshSNR()

		o.res = float64(o.model.ResolutionPAll(model.FSCThres))
		o.model.UpdateR(model.FSCThres)
		o.r = o.model.R()

		if err := o.model.RefreshProj(); err != nil {
			return fmt.Errorf("iteration %d: %w", o.iter, err)
		}
		if err := o.model.RefreshTau(); err != nil {
			return fmt.Errorf("iteration %d: %w", o.iter, err)
		}

		if o.cfg.Output.Checkpoint {
			if err := o.checkpoint(ctx); err != nil {
				return fmt.Errorf("iteration %d: %w", o.iter, err)
			}
		}

		if o.par.IsMaster() {
			resA := o.model.ResolutionAAll(model.FSCThres)
			log.WithFields(logrus.Fields{
				"resolution": fmt.Sprintf("%.2f Å", 1/max(resA, 1e-9)),
				"shell":      o.res,
				"r":          o.r,
				"rChange":    o.model.RChange(),
				"elapsed":    time.Since(start).Round(time.Millisecond),
			}).Info("Iteration complete")
		}

		if o.model.SearchType() == model.SearchStop {
			o.log.Info("Resolution no longer improves, stopping")
			o.iter++
			break
		}
	}
	return nil
}

// checkpoint records the model on the master and the best pose of every
// local image on the hemisphere ranks.
func (o *Optimiser) checkpoint(ctx context.Context) error {
	if o.par.IsMaster() {
		cp := &models.Checkpoint{
			RunID:      o.runID,
			Iter:       o.iter,
			R:          o.r,
			Resolution: o.res,
			SearchType: o.model.SearchType().String(),
		}
		for c := 0; c < o.para.K; c++ {
			cp.References = append(cp.References, grid.EncodeFloat32(o.model.RealSpaceRef(c).RL()))
		}
		if err := o.exp.SaveCheckpoint(ctx, cp); err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
		o.log.WithField("iter", o.iter).Debug("Checkpoint saved")
		return nil
	}

	poses := make([]models.Pose, len(o.ids))
	for l, id := range o.ids {
		p := o.prts[l]
		i := bestPose(p)
		q, t := p.Coord(i)
		v := p.Vari()
		poses[l] = models.Pose{
			ImageID:    id,
			Class:      o.cls[l],
			Quaternion: [4]float64(q),
			TX:         t.X,
			TY:         t.Y,
			Weight:     p.W(i),
			K0:         v.K0,
			K1:         v.K1,
			S0:         v.S0,
			S1:         v.S1,
			Rho:        v.Rho,
		}
	}
	if err := o.exp.SavePoses(ctx, o.runID, o.iter, poses); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}
