package sim

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/astrogo/fitsio"

	"github.com/lsst-ts/stdscripts/sal"
)

// Camera simulates ATCamera / CCCamera.  Every exposure produces
// startIntegration and endReadout events and, when Dir is set, a small
// FITS file named after the image.  With OODS set each image is also
// reported ingested.
type Camera struct {
	*CSC
	Prefix string
	Dir    string
	Size   int
	Step   time.Duration
	OODS   *CSC

	mu  sync.Mutex
	seq int
}

// NewCamera returns an enabled camera component
func NewCamera(name, prefix, dir string, step time.Duration) *Camera {
	cam := &Camera{CSC: NewCSC(name, 0, sal.Enabled), Prefix: prefix, Dir: dir, Size: 32, Step: step}
	cam.Handle("takeImages", cam.takeImages)
	return cam
}

func (cam *Camera) takeImages(ctx context.Context, c *CSC, p sal.Params) error {
	n := int(param(p, "numImages"))
	if n < 1 {
		return fmt.Errorf("numImages must be positive, got %d", n)
	}
	exp := param(p, "expTime")
	kv, _ := p["keyValueMap"].(string)
	for i := 0; i < n; i++ {
		cam.mu.Lock()
		cam.seq++
		name := ImageName(cam.Prefix, time.Now(), cam.seq)
		cam.mu.Unlock()
		c.PublishEvent("startIntegration", sal.Sample{"imageName": name, "imageIndex": i, "imagesInSequence": n, "exposureTime": exp})
		select {
		case <-time.After(cam.Step):
		case <-ctx.Done():
			return ctx.Err()
		}
		if cam.Dir != "" {
			if err := cam.save(name, exp, kv); err != nil {
				return err
			}
		}
		c.PublishEvent("endReadout", sal.Sample{"imageName": name, "imageIndex": i, "imagesInSequence": n, "additionalValues": kv})
		if cam.OODS != nil {
			Ingest(cam.OODS, name, cam.Step)
		}
	}
	return nil
}

// NewOODS returns an enabled image ingest service
func NewOODS(name string) *CSC {
	return NewCSC(name, 0, sal.Enabled)
}

// Ingest makes oods report image ingested one step later.  The status
// code is the "statusCode" variable of oods, 0 when unset.  A silent
// service reports nothing.
func Ingest(oods *CSC, image string, step time.Duration) {
	later(step, func() {
		if oods.Silent() {
			return
		}
		code, _ := oods.Var("statusCode").(int)
		desc := "OK"
		if code != 0 {
			desc = "ingest failed"
		}
		oods.PublishEvent("imageInOODS", sal.Sample{"obsid": image, "statusCode": code, "description": desc})
	})
}

func (cam *Camera) save(name string, exp float64, kv string) error {
	f, err := os.Create(filepath.Join(cam.Dir, name+".fits"))
	if err != nil {
		return err
	}
	defer f.Close()
	cards := []fitsio.Card{
		{Name: "OBSID", Value: name},
		{Name: "EXPTIME", Value: exp, Comment: "seconds"},
	}
	for k, v := range ParseKeyValueMap(kv) {
		key := strings.ToUpper(k)
		if len(key) > 8 {
			key = key[:8]
		}
		cards = append(cards, fitsio.Card{Name: key, Value: v})
	}
	img := image.NewGray16(image.Rect(0, 0, cam.Size, cam.Size))
	return WriteFits(f, cards, img)
}

// WriteFits writes one 16 bit frame to w
func WriteFits(w io.Writer, metadata []fitsio.Card, img *image.Gray16) error {
	metadata = append(metadata, fitsio.Card{Name: "BZERO", Value: 32768}, fitsio.Card{Name: "BSCALE", Value: 1.0})
	b := img.Bounds()
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(16, []int{b.Dx(), b.Dy()})
	defer im.Close()
	if err := im.Header().Append(metadata...); err != nil {
		return err
	}
	ints := make([]int16, 0, b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			ints = append(ints, int16(int32(img.Gray16At(x, y).Y)-32768))
		}
	}
	if err := im.Write(ints); err != nil {
		return err
	}
	return fits.Write(im)
}

// ParseKeyValueMap splits "key: value, key: value" into a map
func ParseKeyValueMap(kv string) map[string]string {
	out := map[string]string{}
	for _, item := range strings.Split(kv, ",") {
		k, v, ok := strings.Cut(item, ":")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

// NewSpectrograph returns an enabled ATSpectrograph reporting the
// filter, disperser and linear stage positions it is sent to.  It starts
// with empty slots and the linear stage at 67 mm.
func NewSpectrograph() *CSC {
	c := NewCSC("ATSpectrograph", 0, sal.Enabled)
	c.PublishEvent("reportedFilterPosition", sal.Sample{"name": "empty_1"})
	c.PublishEvent("reportedDisperserPosition", sal.Sample{"name": "empty_1"})
	c.PublishEvent("reportedLinearStagePosition", sal.Sample{"position": 67.0})
	c.Handle("changeFilter", func(ctx context.Context, c *CSC, p sal.Params) error {
		name, _ := p["name"].(string)
		c.PublishEvent("reportedFilterPosition", sal.Sample{"name": name})
		return nil
	})
	c.Handle("changeDisperser", func(ctx context.Context, c *CSC, p sal.Params) error {
		name, _ := p["name"].(string)
		c.PublishEvent("reportedDisperserPosition", sal.Sample{"name": name})
		return nil
	})
	c.Handle("moveLinearStage", func(ctx context.Context, c *CSC, p sal.Params) error {
		c.PublishEvent("reportedLinearStagePosition", sal.Sample{"position": param(p, "distanceFromHome")})
		return nil
	})
	return c
}
