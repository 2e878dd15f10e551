package main

type Document struct {
	ID      string `json:"ID" mapstructure:"id"`
	Name    string `json:"name" mapstructure:"name"`
	Author  string `json:"author" mapstructure:"author"`
	Version int64  `json:"version" mapstructure:"version"`
}

type User struct {
	ID       string `json:"id" mapstructure:"id"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"-" mapstructure:"password"`
}
