// Command gendocs generates man pages and markdown from the portal commands.
package main

import (
	"log"
	"os"

	"github.com/spf13/cobra/doc"

	"portal.dev/go/portal/internal/cli"
)

func main() {
	header := &doc.GenManHeader{
		Title:   "PORTAL",
		Section: "1",
		Source:  "portal",
		Manual:  "portal manual",
	}

	if err := os.MkdirAll("./man", 0755); err != nil {
		log.Fatalf("Failed to create man directory: %v", err)
	}
	if err := doc.GenManTree(cli.RootCmd, header, "./man"); err != nil {
		log.Fatalf("Failed to generate man pages: %v", err)
	}
	log.Println("Man pages generated in ./man")

	if err := os.MkdirAll("./docs/cli", 0755); err != nil {
		log.Fatalf("Failed to create docs directory: %v", err)
	}
	if err := doc.GenMarkdownTree(cli.RootCmd, "./docs/cli"); err != nil {
		log.Fatalf("Failed to generate markdown docs: %v", err)
	}
	log.Println("Markdown docs generated in ./docs/cli")
}
