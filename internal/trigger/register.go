package trigger

import (
	"github.com/jpvargasdev/Auspex/internal/component"
)

// Register adds the trigger factories to the runtime. An agent only
// registers the types of AgentTypes.
func Register(rt *component.Registry, agentMode bool) {
	rt.RegisterFactory(component.KindTrigger, "docker", func(rt *component.Registry, spec component.Spec) (component.Component, error) {
		t, err := newDocker(rt, spec)
		if err != nil {
			return nil, err
		}
		return t, nil
	})
	rt.RegisterFactory(component.KindTrigger, "dockercompose", func(rt *component.Registry, spec component.Spec) (component.Component, error) {
		t, err := newCompose(rt, spec)
		if err != nil {
			return nil, err
		}
		return t, nil
	})
	if agentMode {
		return
	}
	rt.RegisterFactory(component.KindTrigger, "github", func(rt *component.Registry, spec component.Spec) (component.Component, error) {
		t, err := newGitHub(rt, spec)
		if err != nil {
			return nil, err
		}
		return t, nil
	})
	rt.RegisterFactory(component.KindTrigger, "command", func(rt *component.Registry, spec component.Spec) (component.Component, error) {
		t, err := newCommand(rt, spec)
		if err != nil {
			return nil, err
		}
		return t, nil
	})
}
