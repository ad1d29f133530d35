package bridge

import (
	"errors"
	"fmt"
	"strings"
)

var ErrContract = errors.New("contract violation")

// Contract pins the shape of one cross-system message type. Compatibility
// is judged on the major version only: a payload declaring 1.x validates
// against a 1.y contract.
type Contract struct {
	Name     string
	Version  string
	Required []string
}

// Contract names exchanged with the external improvement pipeline.
const (
	ContractImprovementTrigger     = "improvement_trigger"
	ContractDeploymentNotification = "deployment_notification"
)

var defaultContracts = map[string]Contract{
	ContractImprovementTrigger: {
		Name:     ContractImprovementTrigger,
		Version:  "1.0",
		Required: []string{"trigger_type", "performance_data", "timestamp"},
	},
	ContractDeploymentNotification: {
		Name:     ContractDeploymentNotification,
		Version:  "1.0",
		Required: []string{"deployment_id", "status", "timestamp"},
	},
}

// Contracts validates payloads against the registered message contracts.
type Contracts struct {
	byName map[string]Contract
}

func NewContracts() *Contracts {
	byName := make(map[string]Contract, len(defaultContracts))
	for name, c := range defaultContracts {
		byName[name] = c
	}
	return &Contracts{byName: byName}
}

// Register adds or replaces a contract definition.
func (c *Contracts) Register(contract Contract) {
	c.byName[contract.Name] = contract
}

func (c *Contracts) Get(name string) (Contract, bool) {
	contract, ok := c.byName[name]
	return contract, ok
}

// Validate checks a payload against the named contract. An empty version
// defaults to the contract's own version.
func (c *Contracts) Validate(name, version string, payload map[string]any) error {
	contract, ok := c.byName[name]
	if !ok {
		return fmt.Errorf("%w: unknown contract %q", ErrContract, name)
	}
	if version != "" && major(version) != major(contract.Version) {
		return fmt.Errorf("%w: %s version %s is incompatible with %s", ErrContract, name, version, contract.Version)
	}
	var missing []string
	for _, field := range contract.Required {
		v, ok := payload[field]
		if !ok || v == nil {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s missing required fields %s", ErrContract, name, strings.Join(missing, ", "))
	}
	return nil
}

func major(version string) string {
	if i := strings.IndexByte(version, '.'); i >= 0 {
		return version[:i]
	}
	return version
}
