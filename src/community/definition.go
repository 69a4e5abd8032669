package community

import (
	"github.com/mosaicnetworks/dispersy/src/message"
)

// Definition is the application side of a community: a classification and
// the meta messages it adds to the built-in ones.
type Definition interface {
	Classification() string
	Metas(c *Community) ([]*message.Meta, error)
}

// Configurer is implemented by definitions that change the settings of their
// communities.
type Configurer interface {
	Configure(s *Settings)
}

// Cleaner is implemented by definitions that react to the destruction of a
// community. Cleanup returns the classification the community is reloaded
// with.
type Cleaner interface {
	Cleanup(c *Community, hard bool) string
}
