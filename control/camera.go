package control

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lsst-ts/stdscripts/sal"
)

// Components of the two instruments
var (
	LATISSComponents = []string{"ATCamera", "ATSpectrograph", "ATHeaderService", "ATOODS"}
	ComCamComponents = []string{"CCCamera", "CCHeaderService", "CCOODS"}
)

// ErrIngest is returned when the OODS reports an image not ingested, or
// reports nothing in time
var ErrIngest = errors.New("image ingestion failed")

// ImageTypes are the accepted values of Exposure.ImageType
var ImageTypes = []string{"BIAS", "DARK", "FLAT", "OBJECT", "ENGTEST", "SPOT", "ACQ", "CWFS", "FOCUS"}

// Exposure describes a set of identical images
type Exposure struct {
	ImageType string
	ExpTime   float64
	N         int
	GroupID   string
	Note      string
	Reason    string
	Program   string

	// Instrument setup; nil leaves the element where it is.  Filter and
	// Grating are a name (string) or a position (int).
	Filter      interface{}
	Grating     interface{}
	LinearStage *float64
}

func (e Exposure) shutter() bool {
	return e.ImageType != "BIAS" && e.ImageType != "DARK"
}

func (e Exposure) keyValueMap() string {
	kv := []string{"imageType: " + e.ImageType}
	add := func(k, v string) {
		if v != "" {
			kv = append(kv, k+": "+v)
		}
	}
	add("groupId", e.GroupID)
	add("note", e.Note)
	add("reason", e.Reason)
	add("program", e.Program)
	return strings.Join(kv, ", ")
}

// Camera is an instrument: the camera, its header service and ingest
// service, and for LATISS the spectrograph
type Camera struct {
	*Group

	Instrument   string
	ReadoutTime  time.Duration
	ShutterTime  time.Duration
	cam          string
	spectrograph string
	oods         string
	filterCmd    string
}

// NewLATISS dials the auxiliary telescope imager
func NewLATISS(ctx context.Context, d sal.Dialer) (*Camera, error) {
	g, err := DialGroup(ctx, d, "LATISS", LATISSComponents...)
	if err != nil {
		return nil, err
	}
	return &Camera{
		Group:        g,
		Instrument:   "LATISS",
		ReadoutTime:  2 * time.Second,
		ShutterTime:  time.Second,
		cam:          "atcamera",
		spectrograph: "atspectrograph",
		oods:         "atoods",
		filterCmd:    "changeFilter",
	}, nil
}

// NewComCam dials the commissioning camera
func NewComCam(ctx context.Context, d sal.Dialer) (*Camera, error) {
	g, err := DialGroup(ctx, d, "ComCam", ComCamComponents...)
	if err != nil {
		return nil, err
	}
	return &Camera{
		Group:       g,
		Instrument:  "ComCam",
		ReadoutTime: 2300 * time.Millisecond,
		ShutterTime: time.Second,
		cam:         "cccamera",
		oods:        "ccoods",
		filterCmd:   "setFilter",
	}, nil
}

// ValidImageType reports whether t is one of ImageTypes
func ValidImageType(t string) bool {
	for _, v := range ImageTypes {
		if v == t {
			return true
		}
	}
	return false
}

func selection(v interface{}) (sal.Params, error) {
	switch v := v.(type) {
	case string:
		return sal.Params{"name": v}, nil
	case int:
		return sal.Params{"filter": v}, nil
	case float64:
		return sal.Params{"filter": int(v)}, nil
	}
	return nil, fmt.Errorf("%v (%T) is neither a name nor a position", v, v)
}

// Setup moves the filter, grating and linear stage.  nil arguments are
// left alone.  Only LATISS has a grating and linear stage.
func (c *Camera) Setup(ctx context.Context, filter, grating interface{}, linearStage *float64) error {
	target := c.spectrograph
	if target == "" {
		target = c.cam
		if grating != nil || linearStage != nil {
			return fmt.Errorf("%s has no grating or linear stage", c.Instrument)
		}
	}
	if filter != nil {
		p, err := selection(filter)
		if err != nil {
			return fmt.Errorf("filter: %w", err)
		}
		if err := c.command(ctx, target, c.filterCmd, p, LongTimeout); err != nil {
			return err
		}
	}
	if grating != nil {
		p, err := selection(grating)
		if err != nil {
			return fmt.Errorf("grating: %w", err)
		}
		if v, ok := p["filter"]; ok {
			p = sal.Params{"disperser": v}
		}
		if err := c.command(ctx, target, "changeDisperser", p, LongTimeout); err != nil {
			return err
		}
	}
	if linearStage != nil {
		if err := c.command(ctx, target, "moveLinearStage", sal.Params{"distanceFromHome": *linearStage}, LongTimeout); err != nil {
			return err
		}
	}
	return nil
}

// ExposureDuration estimates how long e takes
func (c *Camera) ExposureDuration(e Exposure) time.Duration {
	n := e.N
	if n < 1 {
		n = 1
	}
	per := time.Duration(e.ExpTime*float64(time.Second)) + c.ReadoutTime
	if e.shutter() {
		per += 2 * c.ShutterTime
	}
	return time.Duration(n) * per
}

// TakeImages sets up the instrument and takes e.N images, waiting for the
// endReadout of each.  It returns the image names.
func (c *Camera) TakeImages(ctx context.Context, e Exposure) ([]string, error) {
	if !ValidImageType(e.ImageType) {
		return nil, fmt.Errorf("invalid image type %q, must be one of %s", e.ImageType, strings.Join(ImageTypes, ", "))
	}
	if e.ExpTime < 0 {
		return nil, fmt.Errorf("negative exposure time %g", e.ExpTime)
	}
	if e.N < 1 {
		e.N = 1
	}
	if err := c.Setup(ctx, e.Filter, e.Grating, e.LinearStage); err != nil {
		return nil, err
	}
	readout := c.Remote(c.cam).Event("endReadout")
	readout.Flush()
	timeout := c.ExposureDuration(e) + LongTimeout
	c.Log.Info("take images", "type", e.ImageType, "exptime", e.ExpTime, "n", e.N)
	err := c.command(ctx, c.cam, "takeImages", sal.Params{
		"numImages":   e.N,
		"expTime":     e.ExpTime,
		"shutter":     e.shutter(),
		"keyValueMap": e.keyValueMap(),
	}, timeout)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, e.N)
	for i := 0; i < e.N; i++ {
		s, err := readout.Next(ctx, false, timeout)
		if err != nil {
			return names, fmt.Errorf("%s: image %d of %d not read out: %w", c.Instrument, i+1, e.N, err)
		}
		name, _ := s.String("imageName")
		names = append(names, name)
	}
	return names, nil
}

// TakeImagesIngested takes the images of e and then waits, up to timeout
// each, for the OODS to report every one of them ingested
func (c *Camera) TakeImagesIngested(ctx context.Context, e Exposure, timeout time.Duration) ([]string, error) {
	ingested := c.Remote(c.oods).Event("imageInOODS")
	ingested.Flush()
	names, err := c.TakeImages(ctx, e)
	if err != nil {
		return names, err
	}
	for _, name := range names {
		s, err := ingested.Next(ctx, false, timeout)
		if err != nil {
			return names, fmt.Errorf("%w: no imageInOODS for %s %s image %s: %w", ErrIngest, c.Instrument, e.ImageType, name, err)
		}
		obsid, _ := s.String("obsid")
		if code, _ := s.Int("statusCode"); code != 0 {
			desc, _ := s.String("description")
			return names, fmt.Errorf("%w: %s status %d: %s", ErrIngest, obsid, code, desc)
		}
		c.Log.Info("image ingested", "obsid", obsid)
	}
	return names, nil
}
