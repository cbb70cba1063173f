package main

var (
	version = "dev"
)

func main() {
	SetVersionInfo(version)
	Execute()
}
