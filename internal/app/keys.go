package app

import "github.com/nhle/incidentwatch/internal/keys"

// KeyMap is the dashboard key map.
type KeyMap = keys.KeyMap

// DefaultKeyMap delegates to keys.DefaultKeyMap.
func DefaultKeyMap() *KeyMap {
	return keys.DefaultKeyMap()
}
