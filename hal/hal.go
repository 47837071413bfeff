// Package hal is the hardware abstraction keystone is written against. Its vocabulary is
// vkngwrapper's core1_0, so a Vulkan device adapts to it directly; hal/simulated implements it in
// memory for tests and headless tools.
package hal

//go:generate mockgen -destination mocks/mocks.go -package mocks github.com/vkngwrapper/keystone/hal Timeline,Queue,Fence
