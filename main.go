// The main package for the fitment-scraper executable.
package main

import (
	"github.com/JakeFAU/fitment-scraper/cmd"
)

func main() {
	cmd.Execute()
}
