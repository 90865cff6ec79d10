package vehicles

import (
	"encoding/json"
	"sort"
	"sync"

	_ "embed"

	"cp2077coop/server/internal/hash"
	"cp2077coop/server/internal/physics"
)

// Archetype is one drivable vehicle model.
type Archetype struct {
	ID    uint32        `json:"-"`
	Name  string        `json:"name"`
	Stats physics.Stats `json:"stats"`
}

//go:embed archetypes.json
var archetypePayload []byte

var (
	archetypeOnce sync.Once
	archetypeData map[uint32]Archetype
	archetypeErr  error
)

func loadArchetypes() (map[uint32]Archetype, error) {
	archetypeOnce.Do(func() {
		//1.- Parse the embedded table exactly once and key it by the name hash.
		var list []Archetype
		if err := json.Unmarshal(archetypePayload, &list); err != nil {
			archetypeErr = err
			return
		}
		archetypeData = make(map[uint32]Archetype, len(list))
		for _, a := range list {
			a.ID = ArchetypeID(a.Name)
			if a.Stats.Seats <= 0 || a.Stats.Seats > 4 {
				a.Stats.Seats = 4
			}
			archetypeData[a.ID] = a
		}
	})
	return archetypeData, archetypeErr
}

// ArchetypeID hashes a model name into the id carried on the wire.
func ArchetypeID(name string) uint32 { return hash.Fnv1a32(name) }

// LookupArchetype returns the archetype registered under id.
func LookupArchetype(id uint32) (Archetype, bool) {
	table, err := loadArchetypes()
	if err != nil {
		//1.- Fail loudly; a corrupt embedded table means a broken build.
		panic(err)
	}
	a, ok := table[id]
	return a, ok
}

// Archetypes lists every archetype sorted by name.
func Archetypes() []Archetype {
	table, err := loadArchetypes()
	if err != nil {
		panic(err)
	}
	out := make([]Archetype, 0, len(table))
	for _, a := range table {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
