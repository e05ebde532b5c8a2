// Package factory provides a small generic registry used to instantiate
// pluggable modules (persistence backends, metrics sinks, audit stores) from
// configuration. A module is defined by a type string and a map of raw
// settings; factories decode the settings into typed structs and return the
// concrete implementation.
//
//	reg := factory.NewRegistry[assignment.Persistence]()
//	reg.Register("sqlite", func(conf map[string]any) (assignment.Persistence, error) {
//	    var c struct{ Path string `json:"path"` }
//	    if err := factory.Decode(conf, &c); err != nil {
//	        return nil, err
//	    }
//	    return sqlite.Open(c.Path)
//	})
package factory
