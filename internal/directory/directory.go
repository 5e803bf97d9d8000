// Package directory resolves actors (requesters, providers, operators) and
// their provider profiles from a static YAML file.
package directory

import (
	"context"
	"fmt"
	"os"
	"sync"

	"fleetops/internal/models"

	"gopkg.in/yaml.v3"
)

type actorEntry struct {
	Id      string                 `yaml:"id"`
	Role    models.ActorRole       `yaml:"role"`
	Contact models.Contact         `yaml:"contact"`
	Profile models.ProviderProfile `yaml:"profile"`
}

type file struct {
	Actors []actorEntry `yaml:"actors"`
}

type Static struct {
	mu     sync.RWMutex
	actors map[string]models.Actor
	order  []string
}

func NewStatic(actors ...models.Actor) *Static {
	d := &Static{actors: make(map[string]models.Actor)}
	for _, a := range actors {
		d.Put(a)
	}
	return d
}

func Load(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("directory.Load: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Static, error) {
	var f file
	err := yaml.Unmarshal(data, &f)
	if err != nil {
		return nil, fmt.Errorf("directory.Parse: %w", err)
	}

	d := NewStatic()
	for i, e := range f.Actors {
		if len(e.Id) == 0 {
			return nil, fmt.Errorf("directory.Parse: actor #%d has no id", i)
		}
		if !models.ValidActorRole(e.Role) {
			return nil, fmt.Errorf("directory.Parse: actor '%s' has unknown role '%s'", e.Id, e.Role)
		}
		if _, dup := d.actors[e.Id]; dup {
			return nil, fmt.Errorf("directory.Parse: actor '%s' listed twice", e.Id)
		}
		d.Put(models.Actor{Id: e.Id, Role: e.Role, Contact: e.Contact, Profile: e.Profile})
	}

	return d, nil
}

// Put adds or replaces an actor.
func (d *Static) Put(actor models.Actor) {
	actor.Profile.ProviderId = actor.Id

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.actors[actor.Id]; !ok {
		d.order = append(d.order, actor.Id)
	}
	d.actors[actor.Id] = actor
}

func (d *Static) ResolveActor(ctx context.Context, id string) (models.Actor, error) {
	if err := ctx.Err(); err != nil {
		return models.Actor{}, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	actor, ok := d.actors[id]
	if !ok {
		return models.Actor{}, fmt.Errorf("directory.Static.ResolveActor: actor '%s': %w", id, models.ErrNotFound)
	}
	return actor, nil
}

// Providers lists every actor with the provider role in file order.
func (d *Static) Providers(ctx context.Context) ([]models.Actor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	providers := make([]models.Actor, 0, len(d.order))
	for _, id := range d.order {
		if a := d.actors[id]; a.IsProvider() {
			providers = append(providers, a)
		}
	}
	return providers, nil
}
