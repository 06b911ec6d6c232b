package eventsaga

import (
	"context"
	"errors"
	"fmt"

	"github.com/sasha-s/go-deadlock"
)

var (
	ErrDuplicateSaga = errors.New("saga already registered")
	ErrSagaNotFound  = errors.New("saga not found")
)

// Catalog maps saga names to their definitions. It is write-once per name and
// read-mostly after startup.
type Catalog struct {
	mu          deadlock.RWMutex
	definitions map[string]*SagaDefinition
	logger      Logger
}

func NewCatalog(logger Logger) *Catalog {
	return &Catalog{
		definitions: make(map[string]*SagaDefinition),
		logger:      logger,
	}
}

// Register stores the definition. Re-registration under an already used name
// is rejected; a registered definition is never replaced.
func (c *Catalog) Register(def *SagaDefinition) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.definitions[def.Name]; exists {
		err := errors.Join(ErrDuplicateSaga, fmt.Errorf("saga %s", def.Name))
		c.logger.Error(context.Background(), "catalog register rejected", "saga", def.Name, "error", err)
		return err
	}

	c.definitions[def.Name] = def
	c.logger.Debug(context.Background(), "catalog registered saga", "saga", def.Name, "trigger", def.TriggerEventType, "steps", len(def.Steps))
	return nil
}

func (c *Catalog) Lookup(name string) (*SagaDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	def, ok := c.definitions[name]
	if !ok {
		return nil, errors.Join(ErrSagaNotFound, fmt.Errorf("saga %s", name))
	}
	return def, nil
}

// Names lists the registered saga names, for diagnostics.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.definitions))
	for name := range c.definitions {
		names = append(names, name)
	}
	return names
}
