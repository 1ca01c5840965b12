// Package factory is a small generic registry that builds modules from
// configuration. A module is named by a type string and carries a map of
// raw settings which its factory decodes into a typed struct.
//
//	reg := factory.NewRegistry[datum.Publisher]()
//	reg.Register("redis", func(conf map[string]any) (datum.Publisher, error) {
//	    var c redisfeed.Config
//	    if err := factory.Decode(conf, &c); err != nil {
//	        return nil, err
//	    }
//	    return redisfeed.New(context.Background(), c)
//	})
//	pub, err := reg.Create(factory.ModuleConfig{Type: "redis", Conf: map[string]any{"addr": "localhost:6379"}})
package factory
