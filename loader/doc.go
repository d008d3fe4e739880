// Package loader reads definition bundles (directives, stars and
// constellations) from YAML, HCL or JSON files and applies them to a
// registry and an orchestration store.
//
// A YAML bundle mirrors the JSON shape of the core types:
//
//	directives:
//	  - id: writer
//	    name: Writer
//	    description: Writes articles
//	    content: Write about @variable:topic.
//	stars:
//	  - id: w
//	    type: worker
//	    directive_id: writer
//	constellations:
//	  - id: article
//	    nodes: [...]
//	    edges: [...]
//
// HCL bundles use labelled blocks instead:
//
//	directive "writer" {
//	  name        = "Writer"
//	  description = "Writes articles"
//	  content     = "Write about @variable:topic."
//	}
//
//	star "w" {
//	  type      = "worker"
//	  directive = "writer"
//	  config    = { max_iterations = 3 }
//	}
//
//	constellation "article" {
//	  node "start" { type = "start" }
//	  node "write" {
//	    type = "star"
//	    star = "w"
//	  }
//	  node "end" { type = "end" }
//	  edge {
//	    from = "start"
//	    to   = "write"
//	  }
//	  edge {
//	    from = "write"
//	    to   = "end"
//	  }
//	}
package loader
