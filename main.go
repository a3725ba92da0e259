/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package main

import "recurix/cmd"

func main() {
	cmd.Execute()
}
