package couchdbtest

import "github.com/goccy/go-json"

var jsonMarshal = json.Marshal
