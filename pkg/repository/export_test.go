package repository

var NearestLimit = nearestLimit
