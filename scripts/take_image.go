package scripts

import (
	"context"
	"fmt"
	"time"

	"github.com/lsst-ts/stdscripts/control"
	"github.com/lsst-ts/stdscripts/schema"
	"github.com/lsst-ts/stdscripts/script"
)

const takeImageSchema = `
$schema: http://json-schema.org/draft-07/schema#
title: BaseTakeImage v2
description: Configuration for BaseTakeImage.
type: object
properties:
  nimages:
    description: >-
      The number of images to take; if omitted then use the length of
      exp_times or take a single exposure if exp_times is a scalar.
    anyOf:
      - type: integer
        minimum: 1
      - type: "null"
    default: null
  exp_times:
    description: >-
      The exposure time of each image (sec). If a single value, then the
      same exposure time is used for each exposure.
    anyOf:
      - type: array
        minItems: 1
        items:
          type: number
          minimum: 0
      - type: number
        minimum: 0
    default: 0
  image_type:
    description: Image type (a.k.a. IMGTYPE) (e.g. BIAS, DARK, FLAT, OBJECT)
    type: string
    enum: ["BIAS", "DARK", "FLAT", "OBJECT", "ENGTEST", "SPOT"]
  group_id:
    description: A group ID for the set of images.
    type: string
  note:
    description: A descriptive note about the image being taken.
    type: string
required: [image_type]
additionalProperties: false
`

// CameraDialer returns the instrument a TakeImage script exposes with
type CameraDialer func(ctx context.Context, env Env) (*control.Camera, error)

// LATISS dials the auxiliary telescope imager
func LATISS(ctx context.Context, env Env) (*control.Camera, error) {
	return control.NewLATISS(ctx, env.Dialer)
}

// ComCam dials the commissioning camera
func ComCam(ctx context.Context, env Env) (*control.Camera, error) {
	return control.NewComCam(ctx, env.Dialer)
}

// InstrumentSetup reads the instrument specific fields of cfg into the
// setup of t
type InstrumentSetup func(t *TakeImage, cfg script.Config) error

// TakeImage takes a series of images of one type, one takeImages
// command per exposure
type TakeImage struct {
	script.BaseScript
	env   Env
	dial  CameraDialer
	setup InstrumentSetup
	sch   string

	Camera    *control.Camera
	ImageType string
	ExpTimes  []float64
	GroupID   string
	Note      string

	// Instrument setup applied before each exposure
	Filter      interface{}
	Grating     interface{}
	LinearStage *float64

	// ImageNames are the images read out so far
	ImageNames []string
}

// NewTakeImage returns a TakeImage script.  extraSchema, if not empty,
// adds instrument fields to the base schema; setup reads them.
func NewTakeImage(index int, env Env, name string, dial CameraDialer, extraSchema string, setup InstrumentSetup) *TakeImage {
	sch := takeImageSchema
	if extraSchema != "" {
		sch = schema.MustMerge(takeImageSchema, extraSchema)
	}
	return &TakeImage{
		BaseScript: script.NewBase(index, name, "Take a series of images."),
		env:        env,
		dial:       dial,
		setup:      setup,
		sch:        sch,
	}
}

func (s *TakeImage) Schema() string { return s.sch }

func (s *TakeImage) Configure(ctx context.Context, cfg script.Config) error {
	var c struct {
		NImages   *int        `yaml:"nimages"`
		ExpTimes  interface{} `yaml:"exp_times"`
		ImageType string      `yaml:"image_type"`
		GroupID   string      `yaml:"group_id"`
		Note      string      `yaml:"note"`
	}
	if err := cfg.Decode(&c); err != nil {
		return err
	}
	n := 1
	list, isList := c.ExpTimes.([]interface{})
	switch {
	case isList && c.NImages != nil && len(list) != *c.NImages:
		return fmt.Errorf("nimages=%d specified and exp_times=%v is an array, but the length does not match nimages", *c.NImages, list)
	case isList:
		n = len(list)
	case c.NImages != nil:
		n = *c.NImages
	}
	exp, err := script.Floats(c.ExpTimes, n)
	if err != nil {
		return err
	}
	s.ExpTimes, s.ImageType, s.Note = exp, c.ImageType, c.Note
	s.GroupID = c.GroupID
	if s.GroupID == "" {
		s.GroupID = s.env.now().UTC().Format("2006-01-02T15:04:05.000")
	}
	s.Filter, s.Grating, s.LinearStage = nil, nil, nil
	if s.setup != nil {
		if err := s.setup(s, cfg); err != nil {
			return err
		}
	}
	if s.Camera == nil {
		cam, err := s.dial(ctx, s.env)
		if err != nil {
			return err
		}
		s.Camera = cam
	}
	return nil
}

func (s *TakeImage) SetMetadata(md *script.Metadata) {
	n := len(s.ExpTimes)
	if n == 0 {
		return
	}
	var total float64
	for _, e := range s.ExpTimes {
		total += e
	}
	mean := time.Duration(total / float64(n) * float64(time.Second))
	md.Duration = time.Duration(n) * (mean + s.Camera.ReadoutTime + 2*s.Camera.ShutterTime)
	md.NImages = n
	md.Instrument = s.Camera.Instrument
	if s.Filter != nil {
		md.Filters = fmt.Sprint(s.Filter)
	}
}

func (s *TakeImage) Run(ctx context.Context) error {
	s.ImageNames = s.ImageNames[:0]
	n := len(s.ExpTimes)
	for i, exp := range s.ExpTimes {
		s.Log.Debug("exposing", "image", i+1, "of", n, "exptime", exp)
		if err := s.Checkpoint(ctx, fmt.Sprintf("exposure %d of %d", i+1, n)); err != nil {
			return err
		}
		e := control.Exposure{
			ImageType:   s.ImageType,
			ExpTime:     exp,
			N:           1,
			GroupID:     s.GroupID,
			Note:        s.Note,
			Filter:      s.Filter,
			Grating:     s.Grating,
			LinearStage: s.LinearStage,
		}
		names, err := s.Camera.TakeImages(ctx, e)
		s.ImageNames = append(s.ImageNames, names...)
		if err != nil {
			return err
		}
	}
	return nil
}
