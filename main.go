// Command listing-crawler crawls used-car listings into Postgres.
package main

import "github.com/JakeFAU/listing-crawler/cmd"

func main() {
	cmd.Execute()
}
