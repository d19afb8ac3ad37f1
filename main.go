// Command listing-crawler runs the listing crawler CLI.
package main

import (
	"github.com/JakeFAU/listing-crawler/cmd"
)

func main() {
	cmd.Execute()
}
