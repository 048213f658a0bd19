package toolchanger

import (
	"strconv"

	"ktcc-go/pkg/config"
	"ktcc-go/pkg/errors"
)

// ToolGroup is a named template of default configuration values inherited
// by its member tools. Read-only after load.
type ToolGroup struct {
	Name             int
	IsVirtual        bool
	PhysicalParentID int

	LazyHomeWhenParking int
	Meltzonelength      float64
	IdleToStandbyTime   float64
	IdleToPowerdownTime float64

	PickupGcode            string
	DropoffGcode           string
	VirtualToolloadGcode   string
	VirtualToolunloadGcode string

	RequiresPickupForVirtualLoad   bool
	RequiresPickupForVirtualUnload bool
	UnloadVirtualAtDropoff         bool
}

// loadToolGroup parses one [toolgroup N] section.
func loadToolGroup(sec *config.Section) (*ToolGroup, error) {
	name, err := strconv.Atoi(sec.Suffix())
	if err != nil {
		return nil, errors.Configf(
			"name of section '%s' contains illegal characters, use only an integer toolgroup number",
			sec.Name())
	}

	g := &ToolGroup{Name: name, PhysicalParentID: ToolUnlocked}

	if g.IsVirtual, err = sec.GetBool("is_virtual", false); err != nil {
		return nil, err
	}
	if sec.HasOption("physical_parent") {
		if g.PhysicalParentID, err = sec.GetInt("physical_parent"); err != nil {
			return nil, err
		}
	}
	if g.IsVirtual && g.PhysicalParentID == ToolUnlocked {
		return nil, errors.Configf(
			"virtual toolgroup %d must have a physical_parent defined", name)
	}

	if g.LazyHomeWhenParking, err = sec.GetInt("lazy_home_when_parking", 0); err != nil {
		return nil, err
	}
	if g.Meltzonelength, err = sec.GetFloat("meltzonelength", 0); err != nil {
		return nil, err
	}
	if g.IdleToStandbyTime, err = sec.GetFloat("idle_to_standby_time", 30); err != nil {
		return nil, err
	}
	if g.IdleToStandbyTime < 0.1 {
		return nil, errors.Configf(
			"toolgroup %d: idle_to_standby_time must be at least 0.1 seconds", name)
	}
	if g.IdleToPowerdownTime, err = sec.GetFloat("idle_to_powerdown_time", 600); err != nil {
		return nil, err
	}
	if g.IdleToPowerdownTime < 0.1 {
		return nil, errors.Configf(
			"toolgroup %d: idle_to_powerdown_time must be at least 0.1 seconds", name)
	}

	if g.PickupGcode, err = sec.Get("pickup_gcode", ""); err != nil {
		return nil, err
	}
	if g.DropoffGcode, err = sec.Get("dropoff_gcode", ""); err != nil {
		return nil, err
	}
	if g.VirtualToolloadGcode, err = sec.Get("virtual_toolload_gcode", ""); err != nil {
		return nil, err
	}
	if g.VirtualToolunloadGcode, err = sec.Get("virtual_toolunload_gcode", ""); err != nil {
		return nil, err
	}

	if g.RequiresPickupForVirtualLoad, err = sec.GetBool("requires_pickup_for_virtual_load", true); err != nil {
		return nil, err
	}
	if g.RequiresPickupForVirtualUnload, err = sec.GetBool("requires_pickup_for_virtual_unload", true); err != nil {
		return nil, err
	}
	if g.UnloadVirtualAtDropoff, err = sec.GetBool("unload_virtual_at_dropoff", true); err != nil {
		return nil, err
	}

	return g, nil
}
