package pursuit

import (
	"fmt"
	"log"

	"github.com/banshee-data/pursuit/internal/devices"
)

type lensMove struct {
	axis  devices.LensAxis
	steps int
}

// bringUpLens connects the lens and restores its last known positions, then
// applies the configured operating zoom. Any failure leaves focus control
// disabled; tracking continues without it.
func (o *Orchestrator) bringUpLens(lens devices.LensDriver) devices.LensDriver {
	if err := lens.Connect(); err != nil {
		log.Printf("Lens connect failed for %s, focus control disabled: %v", o.cfg.ID, err)
		return nil
	}

	state := o.cfg.GetTheiaState()
	if o.store != nil {
		saved, err := o.store.LoadLensState(o.cfg.ID)
		switch {
		case err != nil:
			log.Printf("Failed to load saved lens state for %s, using config values: %v", o.cfg.ID, err)
		case saved != nil:
			state = *saved
		}
	}

	moves := []lensMove{
		{devices.LensZoom, state.ZoomPosition},
		{devices.LensFocus, state.FocusPosition},
		{devices.LensIris, state.IrisPosition},
	}
	if zoom, ok := o.cfg.GetZoomSteps(); ok {
		moves = append(moves, lensMove{devices.LensZoom, zoom})
		state.ZoomPosition = zoom
	}
	for _, m := range moves {
		if err := lens.MoveAbsolute(m.axis, m.steps); err != nil {
			log.Printf("Lens %s move to %d failed for %s, focus control disabled: %v", m.axis, m.steps, o.cfg.ID, err)
			if derr := lens.Disconnect(); derr != nil {
				log.Printf("Lens disconnect failed: %v", derr)
			}
			return nil
		}
	}

	o.lensState = state
	log.Printf("Lens ready for %s: zoom %d, focus %d, iris %d",
		o.cfg.ID, state.ZoomPosition, state.FocusPosition, state.IrisPosition)
	return lens
}

// saveLensState reads back zoom and focus and persists them with the last
// commanded iris. A failed read falls back to the last commanded position.
func (o *Orchestrator) saveLensState() error {
	state := o.lensState
	if pos, err := o.lens.Position(devices.LensZoom); err == nil {
		state.ZoomPosition = pos
	} else {
		log.Printf("Failed to read lens zoom position, saving last commanded value: %v", err)
	}
	if pos, err := o.lens.Position(devices.LensFocus); err == nil {
		state.FocusPosition = pos
	} else {
		log.Printf("Failed to read lens focus position, saving last commanded value: %v", err)
	}

	if o.store == nil {
		log.Printf("No lens state store, not saving lens state for %s", o.cfg.ID)
		return nil
	}
	if err := o.store.SaveLensState(o.cfg.ID, state); err != nil {
		return fmt.Errorf("failed to save lens state for %s: %w", o.cfg.ID, err)
	}
	log.Printf("Saved lens state for %s: zoom %d, focus %d, iris %d",
		o.cfg.ID, state.ZoomPosition, state.FocusPosition, state.IrisPosition)
	return nil
}
