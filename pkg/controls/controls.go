// Copyright 2024 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package controls

import (
	"sync"

	"github.com/livekit/protocol/logger"

	"github.com/OpenResilienceInitiative/ORISO-ElementCall-sub000/pkg/reactive"
)

type AudioDevice struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	IsEarpiece bool   `json:"isEarpiece,omitempty"`
	IsSpeaker  bool   `json:"isSpeaker,omitempty"`
}

// WindowControls is the surface a native shell exposes around the call.
// One instance is created at startup and handed to whoever needs it.
type WindowControls interface {
	CanEnterPictureInPicture() bool
	EnablePictureInPicture()
	DisablePictureInPicture()
	PictureInPicture() reactive.Behavior[bool]

	SetAvailableAudioDevices(devices []AudioDevice)
	SetAudioDevice(deviceID string)
	// OnAudioDeviceSelect is called when the shell picks an output device.
	OnAudioDeviceSelect(fn func(deviceID string)) (off func())

	OnBackButtonPressed(fn func()) (off func())
}

// LoggingControls is a WindowControls for environments without a native
// shell. It keeps the requested state and logs every call.
type LoggingControls struct {
	logger logger.Logger
	canPiP bool

	pip          *reactive.Source[bool]
	deviceSelect *reactive.Emitter[string]
	back         *reactive.Emitter[struct{}]

	lock     sync.Mutex
	devices  []AudioDevice
	selected string
}

func NewLoggingControls(canPiP bool, log logger.Logger) *LoggingControls {
	if log == nil {
		log = logger.GetLogger()
	}
	return &LoggingControls{
		logger:       log.WithName("controls"),
		canPiP:       canPiP,
		pip:          reactive.NewSource(false, reactive.Distinct[bool]()),
		deviceSelect: reactive.NewEmitter[string](),
		back:         reactive.NewEmitter[struct{}](),
	}
}

func (c *LoggingControls) CanEnterPictureInPicture() bool {
	return c.canPiP
}

func (c *LoggingControls) EnablePictureInPicture() {
	if !c.canPiP {
		c.logger.Debugw("picture in picture not supported")
		return
	}
	c.logger.Debugw("enable picture in picture")
	c.pip.Set(true)
}

func (c *LoggingControls) DisablePictureInPicture() {
	c.logger.Debugw("disable picture in picture")
	c.pip.Set(false)
}

func (c *LoggingControls) PictureInPicture() reactive.Behavior[bool] {
	return c.pip.Behavior()
}

func (c *LoggingControls) SetAvailableAudioDevices(devices []AudioDevice) {
	c.lock.Lock()
	c.devices = append([]AudioDevice(nil), devices...)
	c.lock.Unlock()
	c.logger.Debugw("available audio devices", "count", len(devices))
}

func (c *LoggingControls) AvailableAudioDevices() []AudioDevice {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]AudioDevice(nil), c.devices...)
}

func (c *LoggingControls) SetAudioDevice(deviceID string) {
	c.lock.Lock()
	c.selected = deviceID
	c.lock.Unlock()
	c.logger.Debugw("audio device set", "deviceID", deviceID)
}

func (c *LoggingControls) AudioDevice() string {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.selected
}

func (c *LoggingControls) OnAudioDeviceSelect(fn func(deviceID string)) func() {
	return c.deviceSelect.Subscribe(fn)
}

// SelectAudioDevice simulates the shell picking an output device.
func (c *LoggingControls) SelectAudioDevice(deviceID string) {
	c.SetAudioDevice(deviceID)
	c.deviceSelect.Emit(deviceID)
}

func (c *LoggingControls) OnBackButtonPressed(fn func()) func() {
	return c.back.Subscribe(func(struct{}) { fn() })
}

// PressBack simulates the shell's back button.
func (c *LoggingControls) PressBack() {
	c.logger.Debugw("back button pressed")
	c.back.Emit(struct{}{})
}
