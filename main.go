package main

import (
	"log"

	"github.com/jpillora/opts"

	"github.com/seedcloud/seedcloud/server"
)

var version = "0.0.0-src" //set with ldflags

func main() {
	s := &server.Server{
		Title:      "SeedCloud",
		Port:       3000,
		ConfigPath: "seedcloud.yaml",
	}

	o := opts.New(s)
	o.Version(version)
	o.PkgRepo()
	o.SetLineWidth(96)
	o.Parse()

	if err := s.Run(version); err != nil {
		log.Fatal(err)
	}
}
