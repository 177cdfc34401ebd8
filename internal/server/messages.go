package server

import "encoding/json"

// Inbound client frame type discriminators. generarImagen is the wire
// name the browser UI has always sent; it stays for compatibility.
const (
	msgGenerate = "generarImagen"
	msgSlider   = "slider change"
)

// clientMessage is a decoded inbound frame. Fields beyond Type are
// populated per discriminator.
type clientMessage struct {
	Type   string           `json:"type"`
	Prompt string           `json:"prompt"`
	Params generationParams `json:"params"`
	Value  json.RawMessage  `json:"value"`
}

// generationParams are the tunables of a generarImagen request. Seed is
// a pointer so an omitted field and the -1 sentinel both mean "pick a
// random seed" while an explicit 0 stays 0.
type generationParams struct {
	Steps  int    `json:"steps"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Seed   *int64 `json:"seed"`
	Model  string `json:"model"`
}
