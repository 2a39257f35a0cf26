package main

import "github.com/jmcleod/agencyportal/cmd/agencyportal/cmd"

func main() {
	cmd.Execute()
}
