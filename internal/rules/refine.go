package rules

import (
	"github.com/ironsheep/detection-reasoner/internal/detection"
	"github.com/ironsheep/detection-reasoner/internal/facts"
	"github.com/ironsheep/detection-reasoner/internal/spatial"
)

// Refiner runs the symbolic pass for one image: it relates the detections to
// each other and to the configured zones, derives facts and applies the rules.
type Refiner struct {
	Engine    *Engine
	Extractor *spatial.Extractor
	Zones     *spatial.ZoneSet
	Static    []facts.Fact
}

// Refinement is the outcome of refining one image.
type Refinement struct {
	Adjusted  []detection.Adjusted
	Relations []spatial.Relation
	Zones     []spatial.ZoneRelation
	Facts     *facts.Base
	Stats     Stats
}

// Refine adjusts the confidences of set. Relations are extracted from the
// input confidences; rule firing never feeds back into extraction.
func (r *Refiner) Refine(set detection.Set) Refinement {
	items := spatial.ItemsFromDetections(set.Detections)
	var res Refinement
	if r.Extractor != nil {
		res.Relations = r.Extractor.Extract(set.ImageID, items)
		res.Zones = r.Extractor.ExtractZones(set.ImageID, items, r.Zones.ForImage(set.ImageID))
	}
	res.Facts = facts.Derive(facts.Input{
		Detections: set.Detections,
		Relations:  res.Relations,
		Zones:      res.Zones,
		Static:     r.Static,
	})
	res.Adjusted, res.Stats = r.Engine.Apply(set, res.Facts)
	return res
}
