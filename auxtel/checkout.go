package auxtel

import (
	"context"
	"fmt"
	"time"

	"github.com/lsst-ts/stdscripts/control"
	"github.com/lsst-ts/stdscripts/script"
	"github.com/lsst-ts/stdscripts/scripts"
)

// LinearStageNominal is the grating linear stage position, in mm, LATISS
// is released at
const LinearStageNominal = 67.0

// LatissCheckout checks LATISS is ready for the night: the linear stage
// is at its nominal position, and a bias and an engineering frame are
// both taken and ingested.  There is no telescope or dome motion.
type LatissCheckout struct {
	script.BaseScript
	env scripts.Env

	LATISS        *control.Camera
	Program       string
	IngestTimeout time.Duration
	StdTimeout    time.Duration
}

func NewLatissCheckout(index int, env scripts.Env) script.Script {
	return &LatissCheckout{
		BaseScript:    script.NewBase(index, "auxtel/daytime_checkout/latiss_checkout", "Execute daytime checkout of LATISS."),
		env:           env,
		Program:       "BLOCK-T17",
		IngestTimeout: 10 * time.Second,
		StdTimeout:    10 * time.Second,
	}
}

func (s *LatissCheckout) Schema() string { return "" }

func (s *LatissCheckout) Configure(ctx context.Context, cfg script.Config) error {
	if s.LATISS != nil {
		return nil
	}
	l, err := control.NewLATISS(ctx, s.env.Dialer)
	if err != nil {
		return err
	}
	s.LATISS = l
	return nil
}

func (s *LatissCheckout) SetMetadata(md *script.Metadata) {
	md.Duration = 20 * time.Second
	md.Instrument = "LATISS"
	md.Filters = "empty~empty"
	md.Survey = s.Program
}

func (s *LatissCheckout) Run(ctx context.Context) error {
	if err := s.LATISS.AssertAllEnabled(ctx); err != nil {
		return err
	}

	if err := s.Checkpoint(ctx, "Checking LATISS Setup"); err != nil {
		return err
	}
	stage, err := s.LATISS.Remote("atspectrograph").Event("reportedLinearStagePosition").Aget(ctx, s.StdTimeout)
	if err != nil {
		return fmt.Errorf("linear stage position: %w", err)
	}
	if pos, _ := stage.Float("position"); pos == LinearStageNominal {
		s.Log.Info("grating stage is at its nominal position")
	} else {
		s.Log.Info("moving grating stage to its nominal position", "position", pos, "nominal", LinearStageNominal)
		nominal := LinearStageNominal
		if err := s.LATISS.Setup(ctx, nil, nil, &nominal); err != nil {
			return err
		}
	}
	if err := s.LATISS.Setup(ctx, 0, 0, nil); err != nil {
		return err
	}

	if err := s.Checkpoint(ctx, "Bias Frame Verification"); err != nil {
		return err
	}
	bias := control.Exposure{ImageType: "BIAS", N: 1, Program: s.Program}
	if _, err := s.LATISS.TakeImagesIngested(ctx, bias, s.IngestTimeout); err != nil {
		return fmt.Errorf("bias frame: %w", err)
	}

	if err := s.Checkpoint(ctx, "Engineering Frame Verification"); err != nil {
		return err
	}
	eng := control.Exposure{
		ImageType: "ENGTEST",
		ExpTime:   2,
		N:         1,
		Program:   s.Program,
		GroupID:   time.Now().UTC().Format("2006-01-02T15:04:05.000"),
		Filter:    0,
		Grating:   0,
	}
	names, err := s.LATISS.TakeImagesIngested(ctx, eng, s.IngestTimeout)
	if err != nil {
		return fmt.Errorf("engineering frame: %w", err)
	}
	s.Log.Info("checkout images ingested", "image", names[len(names)-1])
	return nil
}
