package configsvc

import (
	"context"

	"github.com/cordum/extmgr/core/infra/bus"
	"github.com/cordum/extmgr/core/infra/logging"
)

// Change is the payload published on sys.config.changed.
type Change struct {
	Revision int64  `json:"revision"`
	Hash     string `json:"hash"`
}

// Publisher publishes packets on the bus.
type Publisher interface {
	Publish(subject string, packet *bus.Packet) error
}

// PublishChanges returns a hook announcing each committed change on the bus.
func PublishChanges(pub Publisher, sender string) ChangeHook {
	return func(_ context.Context, doc *Document) {
		if pub == nil || doc == nil {
			return
		}
		packet, err := bus.NewPacket(bus.KindConfig, sender, Change{Revision: doc.Revision, Hash: doc.Hash})
		if err != nil {
			logging.Warn("configsvc", "encode config change", "error", err)
			return
		}
		if err := pub.Publish(bus.SubjectConfigChanged, packet); err != nil {
			logging.Warn("configsvc", "publish config change", "revision", doc.Revision, "error", err)
		}
	}
}
