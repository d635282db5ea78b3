// Package probe drives real pages through a headless browser and feeds the
// observed scroll depth into a depth.Tracker. It also discovers candidate
// article URLs and renders probe results as a table.
package probe
