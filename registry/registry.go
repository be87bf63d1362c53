// Package registry maps script paths to their constructors.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/lsst-ts/stdscripts/auxtel"
	"github.com/lsst-ts/stdscripts/enum"
	"github.com/lsst-ts/stdscripts/maintel"
	"github.com/lsst-ts/stdscripts/script"
	"github.com/lsst-ts/stdscripts/scripts"
	"github.com/lsst-ts/stdscripts/scripts/scheduler"
)

// ErrUnknownScript is returned by New for a path nothing is registered at
var ErrUnknownScript = errors.New("unknown script")

// Constructor builds a script for a queue index
type Constructor func(index int, env scripts.Env) script.Script

func schedulerScript(idx int, f func(index int, env scripts.Env, scheduler int) script.Script) Constructor {
	return func(index int, env scripts.Env) script.Script { return f(index, env, idx) }
}

var (
	mu    sync.RWMutex
	table = map[string]Constructor{
		"sleep":                scripts.NewSleep,
		"set_summary_state":    scripts.NewSetSummaryState,
		"run_command":          scripts.NewRunCommand,
		"pause_queue":          scripts.NewPauseQueue,
		"mute_alarms":          scripts.NewMuteAlarms,
		"system_wide_shutdown": scripts.NewSystemWideShutdown,

		"auxtel/enable_atcs":                     auxtel.NewEnableATCS,
		"auxtel/standby_atcs":                    auxtel.NewStandbyATCS,
		"auxtel/offline_atcs":                    auxtel.NewOfflineATCS,
		"auxtel/enable_latiss":                   auxtel.NewEnableLATISS,
		"auxtel/standby_latiss":                  auxtel.NewStandbyLATISS,
		"auxtel/offline_latiss":                  auxtel.NewOfflineLATISS,
		"auxtel/track_target":                    auxtel.NewSlew,
		"auxtel/point_azel":                      auxtel.NewPointAzEl,
		"auxtel/offset_atcs":                     auxtel.NewOffsetATCS,
		"auxtel/stop_tracking":                   auxtel.NewStopTracking,
		"auxtel/take_image_latiss":               auxtel.NewTakeImageLATISS,
		"auxtel/enable_ataos_corrections":        auxtel.NewEnableATAOSCorrections,
		"auxtel/disable_ataos_corrections":       auxtel.NewDisableATAOSCorrections,
		"auxtel/atdome/open_dome":                auxtel.NewOpenDome,
		"auxtel/atdome/close_dome":               auxtel.NewCloseDome,
		"auxtel/atdome/open_dropout_door":        auxtel.NewOpenDropoutDoor,
		"auxtel/atdome/close_dropout_door":       auxtel.NewCloseDropoutDoor,
		"auxtel/atdome/slew_dome":                auxtel.NewSlewDome,
		"auxtel/atdome/home_dome":                auxtel.NewHomeDome,
		"auxtel/shutdown":                        auxtel.NewShutdown,
		"auxtel/prepare_for/vent":                auxtel.NewPrepareForVent,
		"auxtel/calibrations/power_on_atcalsys":  auxtel.NewPowerOnATCalSys,
		"auxtel/calibrations/power_off_atcalsys": auxtel.NewPowerOffATCalSys,
		"auxtel/atvent_start":                    auxtel.NewATVentStart,
		"auxtel/atvent_stop":                     auxtel.NewATVentStop,

		"auxtel/daytime_checkout/latiss_checkout": auxtel.NewLatissCheckout,

		"maintel/enable_mtcs":            maintel.NewEnableMTCS,
		"maintel/standby_mtcs":           maintel.NewStandbyMTCS,
		"maintel/offline_mtcs":           maintel.NewOfflineMTCS,
		"maintel/enable_comcam":          maintel.NewEnableComCam,
		"maintel/standby_comcam":         maintel.NewStandbyComCam,
		"maintel/track_target":           maintel.NewSlew,
		"maintel/point_azel":             maintel.NewPointAzEl,
		"maintel/offset_mtcs":            maintel.NewOffsetMTCS,
		"maintel/stop_tracking":          maintel.NewStopTracking,
		"maintel/take_image_comcam":      maintel.NewTakeImageComCam,
		"maintel/mtrotator/move_rotator": maintel.NewMoveRotator,
		"maintel/offset_camera_hexapod":  maintel.NewOffsetCameraHexapod,
		"maintel/m1m3/raise_m1m3":        maintel.NewRaiseM1M3,
		"maintel/m1m3/lower_m1m3":        maintel.NewLowerM1M3,
		"maintel/mtmount/park_mount":     maintel.NewParkMount,
		"maintel/mtmount/unpark_mount":   maintel.NewUnparkMount,
		"maintel/mtdome/home_dome":       maintel.NewHomeDome,
		"maintel/mtdome/crawl_az":        maintel.NewCrawlAz,
	}
)

func init() {
	for prefix, idx := range map[string]int{"maintel": enum.MainTelScheduler, "auxtel": enum.AuxTelScheduler} {
		table[prefix+"/scheduler/add_block"] = schedulerScript(idx, func(i int, e scripts.Env, s int) script.Script { return scheduler.NewAddBlock(i, e, s) })
		table[prefix+"/scheduler/load_snapshot"] = schedulerScript(idx, func(i int, e scripts.Env, s int) script.Script { return scheduler.NewLoadSnapshot(i, e, s) })
		table[prefix+"/scheduler/resume"] = schedulerScript(idx, func(i int, e scripts.Env, s int) script.Script { return scheduler.NewResume(i, e, s) })
		table[prefix+"/scheduler/stop"] = schedulerScript(idx, func(i int, e scripts.Env, s int) script.Script { return scheduler.NewStop(i, e, s) })
		table[prefix+"/scheduler/enable"] = schedulerScript(idx, func(i int, e scripts.Env, s int) script.Script { return scheduler.NewEnable(i, e, s) })
		table[prefix+"/scheduler/standby"] = schedulerScript(idx, func(i int, e scripts.Env, s int) script.Script { return scheduler.NewStandby(i, e, s) })
	}
}

// Register adds or replaces the constructor at path
func Register(path string, c Constructor) {
	mu.Lock()
	defer mu.Unlock()
	table[path] = c
}

// Names returns every registered path, sorted
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(table))
	for k := range table {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the constructor at path
func Lookup(path string) (Constructor, bool) {
	mu.RLock()
	defer mu.RUnlock()
	c, ok := table[path]
	return c, ok
}

// New builds the script at path
func New(path string, index int, env scripts.Env) (script.Script, error) {
	c, ok := Lookup(path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScript, path)
	}
	return c(index, env), nil
}
