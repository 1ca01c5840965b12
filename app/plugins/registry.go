// Package plugins registers the datum sinks that can be enabled from
// configuration.
package plugins

import (
	"github.com/kilianp07/fieldcmd/core/datum"
	"github.com/kilianp07/fieldcmd/core/factory"
)

// DatumSinks builds datum publishers by type name.
var DatumSinks = factory.NewRegistry[datum.Publisher]()

// RegisterDatumSink adds a sink type. Registering a name twice panics.
func RegisterDatumSink(name string, f factory.Factory[datum.Publisher]) {
	if err := DatumSinks.Register(name, f); err != nil {
		panic(err)
	}
}
