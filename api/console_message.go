package api

// ConsoleMessage is the public interface of a console API call made in
// page JavaScript.
type ConsoleMessage interface {
	Args() []JSHandle
	Text() string
	Type() string
}
