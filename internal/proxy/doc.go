// Package proxy maps the HTTP content API onto transfer manager operations:
// GET/HEAD retrieve (falling back across the members of a group), PUT stores,
// DELETE removes cached copies and POST publishes to the remote repository.
// Transfer errors are translated to HTTP status codes here and nowhere else.
package proxy
