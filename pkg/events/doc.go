/*
Package events provides the in-process event broker feeding the
controller loop.

The CIB store publishes its change notifications here and the controller
loop consumes them as inputs. Event types for membership, election and
executor outcomes are defined as well, but nothing publishes them; those
inputs reach the controller by other channels. Distribution is
asynchronous; a slow subscriber drops events rather than blocking the
publisher.
*/
package events
