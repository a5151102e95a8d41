package micro

import (
	"fmt"

	"github.com/petrarca/nats-micro/errors"
)

// Group namespaces endpoints under a common subject prefix and an
// optional shared queue group. Groups nest; each level appends its
// prefix to the parent's.
type Group struct {
	service    *Service
	prefix     string
	queueGroup string
}

// AddGroup creates a nested group. The child's subjects are prefixed
// with the parent prefix plus name; queueGroup overrides the
// parent's queue group when non-empty.
func (g *Group) AddGroup(name, queueGroup string) (*Group, error) {
	if err := ValidateSubject(name); err != nil {
		return nil, errors.WrapConfig(err, "group", "AddGroup", "validate prefix")
	}
	prefix := name
	if g.prefix != "" {
		prefix = g.prefix + "." + name
	}
	qg := g.queueGroup
	if queueGroup != "" {
		qg = queueGroup
	}
	return &Group{service: g.service, prefix: prefix, queueGroup: qg}, nil
}

// AddEndpoint registers an endpoint under the group. The subject
// defaults to the group prefix joined with the endpoint name; the
// queue group defaults to the group's, which itself defaults to the
// service name. Registration is rejected once the service has
// started.
func (g *Group) AddEndpoint(cfg EndpointConfig) (*Endpoint, error) {
	return g.service.addEndpoint(cfg, g.prefix, g.queueGroup)
}

func (s *Service) addEndpoint(cfg EndpointConfig, prefix, queueGroup string) (*Endpoint, error) {
	if err := ValidateName(cfg.Name); err != nil {
		return nil, errors.WrapConfig(err, "service", "AddEndpoint", "validate name")
	}
	if cfg.Handler == nil {
		return nil, errors.WrapConfig(
			fmt.Errorf("endpoint %q has no handler", cfg.Name),
			"service", "AddEndpoint", "validate handler")
	}

	subject := cfg.Subject
	if subject == "" {
		subject = cfg.Name
		if prefix != "" {
			subject = prefix + "." + cfg.Name
		}
	} else if prefix != "" {
		subject = prefix + "." + subject
	}
	if err := ValidateSubject(subject); err != nil {
		return nil, errors.WrapConfig(err, "service", "AddEndpoint", "validate subject")
	}

	qg := cfg.QueueGroup
	if qg == "" {
		qg = queueGroup
	}
	if qg == "" {
		qg = s.name
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status() != StatusCreated {
		return nil, errors.WrapLifecycle(
			fmt.Errorf("%w: cannot add endpoint %q", errors.ErrAlreadyStarted, cfg.Name),
			"service", "AddEndpoint", "check status")
	}
	for _, ep := range s.endpoints {
		if ep.name == cfg.Name {
			return nil, errors.WrapConfig(
				fmt.Errorf("%w: %q", errors.ErrDuplicateEndpoint, cfg.Name),
				"service", "AddEndpoint", "check name")
		}
		if ep.subject == subject {
			return nil, errors.WrapConfig(
				fmt.Errorf("%w: %q already handled by endpoint %q", errors.ErrDuplicateSubject, subject, ep.name),
				"service", "AddEndpoint", "check subject")
		}
	}

	if s.registrar != nil {
		if err := s.registrar.claimSubject(subject, s.name+"/"+cfg.Name); err != nil {
			return nil, errors.WrapConfig(err, "service", "AddEndpoint", "claim subject")
		}
	}

	ep := &Endpoint{
		name:       cfg.Name,
		subject:    subject,
		queueGroup: qg,
		metadata:   cfg.Metadata,
		handler:    cfg.Handler,
	}
	s.endpoints = append(s.endpoints, ep)
	return ep, nil
}
