package kernel

import (
	"context"
	"errors"
	"maps"
	"slices"

	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/core"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/schema"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/service"
	"github.com/OpenPeerPower/Open-Peer-Power-sub002/internal/state"
)

// Domain is the kernel's own service domain.
const Domain = "openpeerpower"

// Core service names.
const (
	ServiceTurnOn  = "turn_on"
	ServiceTurnOff = "turn_off"
	ServiceToggle  = "toggle"
	ServiceStop    = "stop"
)

func (k *Kernel) registerCoreServices() error {
	for _, name := range []string{ServiceTurnOn, ServiceTurnOff, ServiceToggle} {
		if err := k.Services.Register(Domain, name, k.fanOut(name),
			service.WithSchema(schema.EntityID),
			service.WithDescription("Generic service to "+name+" devices of any domain."),
		); err != nil {
			return err
		}
	}

	return k.Services.Register(Domain, ServiceStop, func(context.Context, *service.Call) error {
		k.logger.Info("stop requested through service call")
		k.requestStop()
		return nil
	}, service.RequiresAdmin(), service.WithDescription("Stop the kernel."))
}

// fanOut returns a handler that groups the requested entities by domain
// and calls <domain>.<name> once per domain with the remaining data.
func (k *Kernel) fanOut(name string) service.Handler {
	return func(ctx context.Context, call *service.Call) error {
		byDomain := make(map[string][]string)
		for _, id := range schema.EntityIDs(call.Data) {
			domain, _, err := state.SplitEntityID(id)
			if err != nil {
				continue
			}
			if domain == Domain {
				k.logger.Warn("skipping core entity in generic call", "entity_id", id)
				continue
			}
			byDomain[domain] = append(byDomain[domain], id)
		}

		var errs []error
		for _, domain := range slices.Sorted(maps.Keys(byDomain)) {
			if !k.Services.Has(domain, name) {
				k.logger.Warn("domain does not support service",
					"domain", domain, "service", name)
				continue
			}
			data := maps.Clone(call.Data)
			data["entity_id"] = byDomain[domain]
			err := k.Services.Call(ctx, domain, name, data,
				service.Blocking(),
				service.WithContext(call.Context.Child()),
			)
			if err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			return &core.Error{Message: "generic " + name + " failed for some domains", Err: errors.Join(errs...)}
		}
		return nil
	}
}
