package main

import "github.com/ValentinKolb/wsql/cmd"

func main() {
	cmd.Execute()
}
