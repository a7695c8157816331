/*
Package quegate documents the Quegate module.

This module is CLI-first and ships the quegate command:

	go install github.com/nuetzliches/quegate/cmd/quegate@latest

Most implementation packages in this repository are internal and are not a
stable public Go API.
*/
package quegate
